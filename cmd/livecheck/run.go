package main

import (
	"fmt"
	"io"
	"os"

	"github.com/MrCodeEU/livecheck/pkg/liveness"
	"github.com/MrCodeEU/livecheck/pkg/logging"
)

// Exit codes of the run command:
//
//	0 = liveness verified
//	1 = rejected, timed out or interrupted (the user may retry)
//	3 = system error (camera, verifier connection or credentials)
const (
	exitSuccess     = 0
	exitFailed      = 1
	exitSystemError = 3
)

// sessionRunner is the part of the controller a headless run needs.
type sessionRunner interface {
	Start() error
	Stop()
	OnSnapshot(fn func(liveness.Snapshot)) (cancel func())
	OnEvent(fn func(liveness.Event)) (cancel func())
}

// runSession runs one session, printing caption changes to out, and
// returns the process exit code. A value on interrupt stops the session.
func runSession(r sessionRunner, out io.Writer, interrupt <-chan os.Signal) int {
	captions := make(chan string, 64)
	unsubSnap := r.OnSnapshot(func(s liveness.Snapshot) {
		if s.Caption == "" {
			return
		}
		text := s.Caption
		if s.CountdownSeconds > 0 {
			text = fmt.Sprintf("%s (%d)", s.Caption, s.CountdownSeconds)
		}
		select {
		case captions <- text:
		default:
		}
	})
	defer unsubSnap()

	result := make(chan liveness.Event, 1)
	unsubEvent := r.OnEvent(func(e liveness.Event) {
		switch e.Type {
		case liveness.EventSessionSuccess, liveness.EventSessionFail:
			select {
			case result <- e:
			default:
			}
		}
	})
	defer unsubEvent()

	if err := r.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "livecheck: %v\n", err)
		return exitSystemError
	}

	last := ""
	show := func(text string) {
		if text != last {
			fmt.Fprintln(out, text)
			last = text
		}
	}

	for {
		select {
		case text := <-captions:
			show(text)
		case sig := <-interrupt:
			logging.Infof("Received %s, stopping session", sig)
			r.Stop()
			interrupt = nil
		case e := <-result:
			for drained := false; !drained; {
				select {
				case text := <-captions:
					show(text)
				default:
					drained = true
				}
			}
			return exitCode(e, out)
		}
	}
}

// exitCode reports the final event and maps it to an exit code.
func exitCode(e liveness.Event, out io.Writer) int {
	if e.Type == liveness.EventSessionSuccess {
		fmt.Fprintf(out, "Liveness verified (%d picture(s))\n", len(e.Pictures))
		return exitSuccess
	}

	if e.Reason == nil {
		fmt.Fprintln(out, "Liveness check failed")
		return exitFailed
	}

	fmt.Fprintf(out, "Liveness check failed: %s\n", e.Reason.Message)
	switch e.Reason.Code {
	case liveness.ReasonCameraFailure, liveness.ReasonConnectionFailed, liveness.ReasonAuthorizationFailed:
		return exitSystemError
	default:
		return exitFailed
	}
}
