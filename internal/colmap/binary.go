package colmap

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	CamerasBin  = "cameras.bin"
	ImagesBin   = "images.bin"
	Points3DBin = "points3D.bin"
)

// BinaryExists reports whether dir holds all three binary model files.
func BinaryExists(dir string) bool {
	for _, name := range []string{CamerasBin, ImagesBin, Points3DBin} {
		if st, err := os.Stat(filepath.Join(dir, name)); err != nil || st.IsDir() {
			return false
		}
	}
	return true
}

// ReadBinary loads cameras.bin, images.bin and points3D.bin from dir.
func ReadBinary(dir string) (*Model, error) {
	m := NewModel()
	if err := readFile(filepath.Join(dir, CamerasBin), func(r *reader) error { return readCameras(r, m) }); err != nil {
		return nil, err
	}
	if err := readFile(filepath.Join(dir, ImagesBin), func(r *reader) error { return readImages(r, m) }); err != nil {
		return nil, err
	}
	if err := readFile(filepath.Join(dir, Points3DBin), func(r *reader) error { return readPoints3D(r, m) }); err != nil {
		return nil, err
	}
	return m, nil
}

// WriteBinary writes the model in the binary layout.
func WriteBinary(dir string, m *Model) error {
	if err := writeFile(filepath.Join(dir, CamerasBin), func(w *writer) { writeCameras(w, m) }); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(dir, ImagesBin), func(w *writer) { writeImages(w, m) }); err != nil {
		return err
	}
	return writeFile(filepath.Join(dir, Points3DBin), func(w *writer) { writePoints3D(w, m) })
}

// reader keeps the first error so the decoders can read fields back to back.
type reader struct {
	r   *bufio.Reader
	err error
}

func (r *reader) read(v any) {
	if r.err != nil {
		return
	}
	r.err = binary.Read(r.r, binary.LittleEndian, v)
}

func (r *reader) u32() uint32 {
	var v uint32
	r.read(&v)
	return v
}

func (r *reader) u64() uint64 {
	var v uint64
	r.read(&v)
	return v
}

func (r *reader) cstring() string {
	if r.err != nil {
		return ""
	}
	s, err := r.r.ReadString(0)
	if err != nil {
		r.err = err
		return ""
	}
	return s[:len(s)-1]
}

func readFile(path string, decode func(*reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	r := &reader{r: bufio.NewReader(f)}
	if err := decode(r); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

// sanity limit on per-record counts so a corrupt header cannot allocate gigabytes
const maxRecordCount = 1 << 28

func readCameras(r *reader, m *Model) error {
	n := r.u64()
	for i := uint64(0); i < n && r.err == nil; i++ {
		var cam Camera
		cam.ID = r.u32()
		var modelID int32
		r.read(&modelID)
		cam.Width = r.u64()
		cam.Height = r.u64()
		if r.err != nil {
			break
		}
		model, ok := ModelByID(modelID)
		if !ok {
			return fmt.Errorf("camera %d: unknown model id %d", cam.ID, modelID)
		}
		cam.Model = model
		cam.Params = make([]float64, model.NumParams)
		r.read(cam.Params)
		m.Cameras[cam.ID] = cam
	}
	return r.err
}

func readImages(r *reader, m *Model) error {
	n := r.u64()
	for i := uint64(0); i < n && r.err == nil; i++ {
		var im Image
		im.ID = r.u32()
		r.read(&im.QVec)
		r.read(&im.TVec)
		im.CameraID = r.u32()
		im.Name = r.cstring()
		np := r.u64()
		if r.err != nil {
			break
		}
		if np > maxRecordCount {
			return fmt.Errorf("image %d: implausible keypoint count %d", im.ID, np)
		}
		im.Points2D = make([]Point2D, np)
		for j := range im.Points2D {
			r.read(&im.Points2D[j].X)
			r.read(&im.Points2D[j].Y)
			im.Points2D[j].Point3DID = r.u64()
		}
		m.Images[im.ID] = im
	}
	return r.err
}

func readPoints3D(r *reader, m *Model) error {
	n := r.u64()
	for i := uint64(0); i < n && r.err == nil; i++ {
		var p Point3D
		p.ID = r.u64()
		r.read(&p.XYZ)
		r.read(&p.RGB)
		r.read(&p.Error)
		tl := r.u64()
		if r.err != nil {
			break
		}
		if tl > maxRecordCount {
			return fmt.Errorf("point %d: implausible track length %d", p.ID, tl)
		}
		p.Track = make([]TrackElement, tl)
		for j := range p.Track {
			p.Track[j].ImageID = r.u32()
			p.Track[j].Point2DIdx = r.u32()
		}
		m.Points3D[p.ID] = p
	}
	return r.err
}

type writer struct {
	w   *bufio.Writer
	err error
}

func (w *writer) write(v any) {
	if w.err != nil {
		return
	}
	w.err = binary.Write(w.w, binary.LittleEndian, v)
}

func (w *writer) cstring(s string) {
	if w.err != nil {
		return
	}
	if _, err := w.w.WriteString(s); err != nil {
		w.err = err
		return
	}
	w.err = w.w.WriteByte(0)
}

func writeFile(path string, encode func(*writer)) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := &writer{w: bufio.NewWriter(f)}
	encode(w)
	if w.err == nil {
		w.err = w.w.Flush()
	}
	if cerr := f.Close(); w.err == nil {
		w.err = cerr
	}
	if w.err != nil {
		return fmt.Errorf("write %s: %w", path, w.err)
	}
	return nil
}

func writeCameras(w *writer, m *Model) {
	w.write(uint64(len(m.Cameras)))
	for _, id := range sortedCameraIDs(m) {
		cam := m.Cameras[id]
		w.write(cam.ID)
		w.write(cam.Model.ID)
		w.write(cam.Width)
		w.write(cam.Height)
		w.write(cam.Params)
	}
}

func writeImages(w *writer, m *Model) {
	w.write(uint64(len(m.Images)))
	for _, id := range sortedImageIDs(m) {
		im := m.Images[id]
		w.write(im.ID)
		w.write(im.QVec)
		w.write(im.TVec)
		w.write(im.CameraID)
		w.cstring(im.Name)
		w.write(uint64(len(im.Points2D)))
		for _, p := range im.Points2D {
			w.write(p.X)
			w.write(p.Y)
			w.write(p.Point3DID)
		}
	}
}

func writePoints3D(w *writer, m *Model) {
	w.write(uint64(len(m.Points3D)))
	for _, id := range sortedPointIDs(m) {
		p := m.Points3D[id]
		w.write(p.ID)
		w.write(p.XYZ)
		w.write(p.RGB)
		w.write(p.Error)
		w.write(uint64(len(p.Track)))
		for _, t := range p.Track {
			w.write(t.ImageID)
			w.write(t.Point2DIdx)
		}
	}
}
