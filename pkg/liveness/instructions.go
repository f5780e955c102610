package liveness

import (
	"context"
	"errors"
	"time"

	"github.com/MrCodeEU/livecheck/pkg/camera"
	"github.com/MrCodeEU/livecheck/pkg/logging"
	"github.com/MrCodeEU/livecheck/pkg/verifier"
)

// instructionTick runs one head-pose check in classic mode. The verifier
// both locates the face and judges the pose, so no local detector runs.
func (c *Controller) instructionTick(ctx context.Context, gen uint64) {
	c.mu.Lock()
	instruction := c.instruction
	c.mu.Unlock()

	size := c.opts.SnapshotSize
	selfie, err := c.deps.Camera.CaptureStill(ctx, size, size, camera.FormatJPEG)
	if err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.current(gen) && c.session.State == StateDetecting {
			c.log.WithError(err).Warn("Selfie capture failed, treating as no face")
			c.applyClassification(gen, instructionClassification(verifier.InstructionNoFace), nil)
			c.publish()
		}
		return
	}

	status, err := c.deps.Verifier.CheckInstruction(ctx, instruction, *selfie)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(gen) || c.session.State != StateDetecting || instruction != c.instruction {
		return
	}

	if err != nil {
		c.log.WithError(err).WithField("instruction", instruction).Error("Instruction check failed")
		if errors.Is(err, verifier.ErrAuthorizationFailed) {
			c.fail(ReasonAuthorizationFailed, nil)
		} else {
			c.fail(ReasonConnectionFailed, nil)
		}
		return
	}

	switch {
	case status < 0:
		if len(c.session.Pictures) > 0 || c.instruction != InstructionFrontal {
			c.log.WithField("status", status).Debug("Face lost, restarting instructions")
		}
		c.session.Pictures = nil
		c.instructionsLeft = c.opts.MaxInstructions
		if c.instruction != InstructionFrontal {
			c.setInstruction(InstructionFrontal)
			c.rearmTimeout(gen)
		}
		c.applyClassification(gen, instructionClassification(status), nil)
		c.publish()

	case status == verifier.InstructionWrongPose:
		c.applyClassification(gen, instructionClassification(status), nil)
		c.snap.MaskMode = MaskNoMatch
		c.publish()

	default:
		c.applyClassification(gen, instructionClassification(status), nil)
		c.publish()
		c.captureInstruction(gen)
	}
}

// captureInstruction takes the full-size picture for a matched instruction.
// Callers hold c.mu; the lock is released around the capture.
func (c *Controller) captureInstruction(gen uint64) {
	c.capturing = true
	ctx := c.ctx
	c.mu.Unlock()

	img, err := c.deps.Camera.CaptureStill(ctx, c.opts.MaxPictureWidth, c.opts.MaxPictureHeight, camera.FormatJPEG)

	c.mu.Lock()
	c.capturing = false
	if !c.current(gen) || c.session.State != StateDetecting {
		return
	}
	if err != nil {
		c.log.WithError(err).Warn("Capture failed, instruction will be checked again")
		return
	}

	c.session.Pictures = append(c.session.Pictures, *img)
	c.instructionsLeft--
	c.log.WithFields(logging.Fields{
		"instruction": c.instruction,
		"remaining":   c.instructionsLeft,
	}).Info("Instruction matched")

	if c.instructionsLeft <= 0 {
		c.enterCapturing()
		return
	}

	c.setInstruction(c.nextInstruction())
	c.rearmTimeout(gen)
	c.publish()
}

// setInstruction switches the current instruction. Callers hold c.mu.
func (c *Controller) setInstruction(name string) {
	c.instruction = name
	c.snap.Instruction = name
	c.snap.Caption = c.msgs.get(name)
}

// nextInstruction picks a random instruction other than the current one.
func (c *Controller) nextInstruction() string {
	candidates := make([]string, 0, len(c.opts.Instructions))
	for _, in := range c.opts.Instructions {
		if in != c.instruction {
			candidates = append(candidates, in)
		}
	}
	if len(candidates) == 0 {
		return c.instruction
	}
	return candidates[c.deps.Rand.Intn(len(candidates))]
}

// rearmTimeout restarts the session timer for a new instruction.
func (c *Controller) rearmTimeout(gen uint64) {
	if c.timeoutTask != nil {
		c.timeoutTask.Cancel()
	}
	c.session.DeadlineAt = time.Now().Add(c.opts.SessionTimeout)
	c.timeoutTask = c.deps.Scheduler.After(c.opts.SessionTimeout, func() { c.onTimeout(gen) })
}
