package main

import (
	"compress/bzip2"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/MrCodeEU/livecheck/pkg/logging"
)

// model is a file fetched by download-models.
type model struct {
	Name       string
	URL        string
	Compressed bool // bzip2
}

// pigoCascade is the frontal face cascade used by the pigo backend.
var pigoCascade = model{
	Name: "facefinder",
	URL:  "https://raw.githubusercontent.com/esimov/pigo/master/cascade/facefinder",
}

// dlibModels are the files go-face loads from the model directory.
var dlibModels = []model{
	{
		Name:       "shape_predictor_5_face_landmarks.dat",
		URL:        "http://dlib.net/files/shape_predictor_5_face_landmarks.dat.bz2",
		Compressed: true,
	},
	{
		Name:       "dlib_face_recognition_resnet_model_v1.dat",
		URL:        "http://dlib.net/files/dlib_face_recognition_resnet_model_v1.dat.bz2",
		Compressed: true,
	},
	{
		Name:       "mmod_human_face_detector.dat",
		URL:        "http://dlib.net/files/mmod_human_face_detector.dat.bz2",
		Compressed: true,
	},
}

func cmdDownloadModels(args []string) error {
	modelDir := cfg.Detector.ModelPath
	cascadePath := cfg.Detector.CascadePath
	if len(args) > 0 {
		modelDir = args[0]
		cascadePath = filepath.Join(modelDir, pigoCascade.Name)
	}

	logging.Infof("Downloading models to: %s", modelDir)

	if err := fetchModel(pigoCascade, cascadePath); err != nil {
		return err
	}
	for _, m := range dlibModels {
		if err := fetchModel(m, filepath.Join(modelDir, m.Name)); err != nil {
			return err
		}
	}

	logging.Infof("All models downloaded successfully")
	return nil
}

// fetchModel downloads m to targetPath unless it already exists.
func fetchModel(m model, targetPath string) error {
	if _, err := os.Stat(targetPath); err == nil {
		logging.Infof("Model %s already exists, skipping", m.Name)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	logging.Infof("Downloading %s...", m.Name)
	if err := download(m.URL, targetPath, m.Compressed); err != nil {
		return fmt.Errorf("failed to download %s: %w", m.Name, err)
	}
	logging.Infof("Successfully downloaded %s", m.Name)
	return nil
}

func download(url, targetPath string, compressed bool) error {
	client := &http.Client{
		Timeout: 10 * time.Minute,
	}

	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status: %s", resp.Status)
	}

	// Write to a temp file so an interrupted download is not mistaken for
	// a complete model on the next run
	tmp := targetPath + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}

	var src io.Reader = resp.Body
	if compressed {
		src = bzip2.NewReader(resp.Body)
	}

	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, targetPath)
}
