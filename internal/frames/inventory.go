package frames

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"sfmbatch/internal/fsutil"

	"gopkg.in/gographics/imagick.v3/imagick"
)

// ErrTooFewImages is returned when a frame cannot produce a single image pair.
var ErrTooFewImages = errors.New("frame needs at least two images")

// ImageInfo describes one probed image.
type ImageInfo struct {
	Name   string
	Width  uint
	Height uint
	Format string
}

// Prober reads image headers without decoding pixel data.
type Prober interface {
	Probe(path string) (ImageInfo, error)
}

// Inventory is the checked image list of a frame.
type Inventory struct {
	Names  []string
	Images []ImageInfo
}

// TakeInventory lists the frame's images and probes each one. Any unreadable
// image fails the frame before expensive stages start.
func TakeInventory(f Frame, p Prober) (Inventory, error) {
	names, err := fsutil.ListImages(f.ImageDir)
	if err != nil {
		return Inventory{}, fmt.Errorf("list images of frame %s: %w", f.Name, err)
	}
	if len(names) < 2 {
		return Inventory{}, fmt.Errorf("%w: frame %s has %d", ErrTooFewImages, f.Name, len(names))
	}
	inv := Inventory{Names: names}
	if p == nil {
		return inv, nil
	}
	for _, n := range names {
		info, err := p.Probe(filepath.Join(f.ImageDir, n))
		if err != nil {
			return Inventory{}, fmt.Errorf("probe %s in frame %s: %w", n, f.Name, err)
		}
		info.Name = n
		inv.Images = append(inv.Images, info)
	}
	return inv, nil
}

var imagickOnce sync.Once

// MagickProber probes images through ImageMagick's ping, which reads headers only.
type MagickProber struct{}

// NewMagickProber initialises the ImageMagick environment once per process.
func NewMagickProber() *MagickProber {
	imagickOnce.Do(imagick.Initialize)
	return &MagickProber{}
}

func (MagickProber) Probe(path string) (ImageInfo, error) {
	mw := imagick.NewMagickWand()
	defer mw.Destroy()
	if err := mw.PingImage(path); err != nil {
		return ImageInfo{}, err
	}
	return ImageInfo{
		Width:  mw.GetImageWidth(),
		Height: mw.GetImageHeight(),
		Format: mw.GetImageFormat(),
	}, nil
}
