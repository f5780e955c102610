package verifier

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrCodeEU/livecheck/pkg/camera"
	"github.com/MrCodeEU/livecheck/pkg/config"
)

func picture(tag string) camera.EncodedImage {
	return camera.EncodedImage{Data: []byte{0xFF, 0xD8, tag[0], 0xFF, 0xD9}, Format: camera.FormatJPEG}
}

func newServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	// Trailing slash is trimmed
	return NewClient(server.URL+"/", "test-key", 5*time.Second)
}

func TestVerify_3D(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/check_liveness_3d", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "true", r.FormValue("debugMode"))

		file, header, err := r.FormFile("picture")
		require.NoError(t, err)
		data, _ := io.ReadAll(file)
		assert.Equal(t, picture("a").Data, data)
		assert.Equal(t, "image/jpeg", header.Header.Get("Content-Type"))

		zoomed, _, err := r.FormFile("zoomedPicture")
		require.NoError(t, err)
		data, _ = io.ReadAll(zoomed)
		assert.Equal(t, picture("b").Data, data)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":{"liveness":true,"debugData":{"score":0.97}}}`))
	})

	out, err := client.Verify(context.Background(), Request{
		Kind:     Kind3D,
		Pictures: []camera.EncodedImage{picture("a"), picture("b")},
		Debug:    true,
	})
	require.NoError(t, err)
	assert.True(t, out.Liveness)
	assert.JSONEq(t, `{"score":0.97}`, string(out.DebugData))
}

func TestVerify_3DRejected(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Empty(t, r.FormValue("debugMode"))
		_, _ = w.Write([]byte(`{"success":true,"data":{"liveness":false}}`))
	})

	out, err := client.Verify(context.Background(), Request{
		Kind:     Kind3D,
		Pictures: []camera.EncodedImage{picture("a"), picture("b")},
	})
	require.NoError(t, err)
	assert.False(t, out.Liveness)
}

func TestVerify_TopLevelLiveness(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"liveness":true}`))
	})

	out, err := client.Verify(context.Background(), Request{
		Kind:     Kind3D,
		Pictures: []camera.EncodedImage{picture("a"), picture("b")},
	})
	require.NoError(t, err)
	assert.True(t, out.Liveness)
}

func TestVerify_Images(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{"boolean status", `{"success":true,"data":{"status":true}}`, true},
		{"numeric status", `{"success":true,"data":{"status":1}}`, true},
		{"failed status", `{"success":true,"data":{"status":false}}`, false},
		{"unsuccessful call", `{"success":false,"data":{"status":true}}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/check_liveness_images", r.URL.Path)
				require.NoError(t, r.ParseMultipartForm(1<<20))
				assert.Equal(t, "3", r.FormValue("imagesCount"))
				for _, name := range []string{"image1", "image2", "image3"} {
					_, _, err := r.FormFile(name)
					assert.NoError(t, err, name)
				}
				_, _ = w.Write([]byte(tt.body))
			})

			out, err := client.Verify(context.Background(), Request{
				Kind:     KindImages,
				Pictures: []camera.EncodedImage{picture("a"), picture("b"), picture("c")},
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Liveness)
		})
	}
}

func TestVerify_Image(t *testing.T) {
	tests := []struct {
		status  string
		want    bool
		message string
	}{
		{"0", true, ""},
		{"1000", false, "No face was found in the picture"},
		{"2001", false, "The picture failed the brightness check, try a more evenly lit room"},
		{"4242", false, "The picture failed the liveness check. Code: 4242"},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/check_liveness_image", r.URL.Path)
				assert.Equal(t, "image/jpeg", r.Header.Get("Content-Type"))
				body, _ := io.ReadAll(r.Body)
				assert.Equal(t, picture("p").Data, body)
				_, _ = w.Write([]byte(`{"success":true,"data":{"status":` + tt.status + `}}`))
			})

			out, err := client.Verify(context.Background(), Request{
				Kind:     KindImage,
				Pictures: []camera.EncodedImage{picture("p")},
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Liveness)
			assert.Equal(t, tt.message, out.Message)
		})
	}
}

func TestVerify_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr error
	}{
		{
			name:    "unauthorized",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusUnauthorized) },
			wantErr: ErrAuthorizationFailed,
		},
		{
			name:    "forbidden",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusForbidden) },
			wantErr: ErrAuthorizationFailed,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
			wantErr: ErrConnectionFailed,
		},
		{
			name:    "garbage body",
			handler: func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("<html>")) },
			wantErr: ErrConnectionFailed,
		},
		{
			name:    "missing liveness",
			handler: func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{"success":true}`)) },
			wantErr: ErrConnectionFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int
			client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				calls++
				tt.handler(w, r)
			})

			_, err := client.Verify(context.Background(), Request{
				Kind:     Kind3D,
				Pictures: []camera.EncodedImage{picture("a"), picture("b")},
			})
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, 1, calls, "requests must not be retried")
		})
	}
}

func TestVerify_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := NewClient(url, "k", time.Second)
	_, err := client.Verify(context.Background(), Request{
		Kind:     KindImage,
		Pictures: []camera.EncodedImage{picture("p")},
	})
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.False(t, errors.Is(err, ErrAuthorizationFailed))
}

func TestVerify_BadRequests(t *testing.T) {
	client := NewClient("http://127.0.0.1:0", "k", time.Second)
	ctx := context.Background()

	_, err := client.Verify(ctx, Request{Kind: Kind3D, Pictures: []camera.EncodedImage{picture("a")}})
	assert.Error(t, err)
	_, err = client.Verify(ctx, Request{Kind: KindImages})
	assert.Error(t, err)
	_, err = client.Verify(ctx, Request{Kind: KindImage})
	assert.Error(t, err)
	_, err = client.Verify(ctx, Request{Kind: "video", Pictures: []camera.EncodedImage{picture("a")}})
	assert.Error(t, err)
}

func TestCheckInstruction(t *testing.T) {
	tests := []struct {
		body string
		want InstructionStatus
	}{
		{`{"success":true,"data":{"status":0}}`, InstructionMatch},
		{`{"success":true,"data":{"status":1}}`, InstructionWrongPose},
		{`{"success":true,"data":{"status":-1}}`, InstructionNoFace},
		{`{"success":true,"data":{"status":-4}}`, InstructionTooFar},
	}

	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/check_liveness_instruction", r.URL.Path)
				require.NoError(t, r.ParseMultipartForm(1<<20))
				assert.Equal(t, "left_profile_face", r.FormValue("instruction"))
				_, _, err := r.FormFile("selfie")
				assert.NoError(t, err)
				_, _ = w.Write([]byte(tt.body))
			})

			got, err := client.CheckInstruction(context.Background(), "left_profile_face", picture("s"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckInstruction_MissingStatus(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false}`))
	})

	_, err := client.CheckInstruction(context.Background(), "frontal_face", picture("s"))
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.DefaultConfig().Verifier
	cfg.ServerURL = "https://verify.example.com/"
	cfg.Debug = true

	c := NewFromConfig(cfg)
	assert.Equal(t, "https://verify.example.com", c.baseURL)
	assert.True(t, c.debug)
	assert.Equal(t, 30*time.Second, c.httpClient.Timeout)
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		raw         string
		truthy      bool
		code        int
		wantPresent bool
	}{
		{"", false, 0, false},
		{"null", false, 0, false},
		{"true", true, 1, true},
		{"false", false, 0, true},
		{"0", false, 0, true},
		{"-3", true, -3, true},
		{`"x"`, false, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			truthy, code, present := parseStatus([]byte(tt.raw))
			assert.Equal(t, tt.truthy, truthy)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.wantPresent, present)
		})
	}
}
