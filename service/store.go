package service

import (
	"fmt"
	"image"
	"path/filepath"

	"github.com/segmentio/ksuid"

	"github.com/chaos-io/scenepipe/util"
)

// Store keeps images produced by single-shot requests and returns where they
// ended up.
type Store interface {
	Save(img image.Image) (string, error)
}

// DirStore writes each image to a fresh ksuid-named PNG under dir.
type DirStore struct {
	dir string
}

func NewDirStore(dir string) *DirStore {
	return &DirStore{dir: dir}
}

func (s *DirStore) Save(img image.Image) (string, error) {
	path := filepath.Join(s.dir, ksuid.New().String()+".png")
	if err := util.SaveImage(path, img); err != nil {
		return "", fmt.Errorf("store image: %w", err)
	}
	return path, nil
}
