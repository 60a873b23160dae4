package colmap

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

const (
	CamerasTxt  = "cameras.txt"
	ImagesTxt   = "images.txt"
	Points3DTxt = "points3D.txt"
)

// WriteText writes cameras.txt, images.txt and points3D.txt into dir.
func WriteText(dir string, m *Model) error {
	if err := writeTextFile(filepath.Join(dir, CamerasTxt), func(w *bufio.Writer) { writeCamerasText(w, m) }); err != nil {
		return err
	}
	if err := writeTextFile(filepath.Join(dir, ImagesTxt), func(w *bufio.Writer) { writeImagesText(w, m) }); err != nil {
		return err
	}
	return writeTextFile(filepath.Join(dir, Points3DTxt), func(w *bufio.Writer) { writePoints3DText(w, m) })
}

func writeTextFile(path string, encode func(*bufio.Writer)) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	encode(w)
	err = w.Flush()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// formatFloat matches the 17 significant digit output of the reference writer.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 17, 64)
}

func joinFloats(vs []float64) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = formatFloat(v)
	}
	return strings.Join(parts, " ")
}

func writeCamerasText(w *bufio.Writer, m *Model) {
	fmt.Fprintln(w, "# Camera list with one line of data per camera:")
	fmt.Fprintln(w, "#   CAMERA_ID, MODEL, WIDTH, HEIGHT, PARAMS[]")
	fmt.Fprintf(w, "# Number of cameras: %d\n", len(m.Cameras))
	for _, id := range sortedCameraIDs(m) {
		cam := m.Cameras[id]
		fmt.Fprintf(w, "%d %s %d %d", cam.ID, cam.Model.Name, cam.Width, cam.Height)
		if len(cam.Params) > 0 {
			fmt.Fprintf(w, " %s", joinFloats(cam.Params))
		}
		fmt.Fprintln(w)
	}
}

func writeImagesText(w *bufio.Writer, m *Model) {
	fmt.Fprintln(w, "# Image list with two lines of data per image:")
	fmt.Fprintln(w, "#   IMAGE_ID, QW, QX, QY, QZ, TX, TY, TZ, CAMERA_ID, NAME")
	fmt.Fprintln(w, "#   POINTS2D[] as (X, Y, POINT3D_ID)")
	fmt.Fprintf(w, "# Number of images: %d, mean observations per image: %s\n",
		len(m.Images), formatFloat(meanObservationsPerImage(m)))
	for _, id := range sortedImageIDs(m) {
		im := m.Images[id]
		fmt.Fprintf(w, "%d %s %s %d %s\n", im.ID, joinFloats(im.QVec[:]), joinFloats(im.TVec[:]), im.CameraID, im.Name)
		parts := make([]string, 0, len(im.Points2D))
		for _, p := range im.Points2D {
			pid := "-1"
			if p.HasPoint3D() {
				pid = strconv.FormatUint(p.Point3DID, 10)
			}
			parts = append(parts, formatFloat(p.X)+" "+formatFloat(p.Y)+" "+pid)
		}
		fmt.Fprintln(w, strings.Join(parts, " "))
	}
}

func writePoints3DText(w *bufio.Writer, m *Model) {
	fmt.Fprintln(w, "# 3D point list with one line of data per point:")
	fmt.Fprintln(w, "#   POINT3D_ID, X, Y, Z, R, G, B, ERROR, TRACK[] as (IMAGE_ID, POINT2D_IDX)")
	fmt.Fprintf(w, "# Number of points: %d, mean track length: %s\n",
		len(m.Points3D), formatFloat(meanTrackLength(m)))
	for _, id := range sortedPointIDs(m) {
		p := m.Points3D[id]
		fmt.Fprintf(w, "%d %s %d %d %d %s", p.ID, joinFloats(p.XYZ[:]), p.RGB[0], p.RGB[1], p.RGB[2], formatFloat(p.Error))
		for _, t := range p.Track {
			fmt.Fprintf(w, " %d %d", t.ImageID, t.Point2DIdx)
		}
		fmt.Fprintln(w)
	}
}

func sortedCameraIDs(m *Model) []uint32 {
	ids := make([]uint32, 0, len(m.Cameras))
	for id := range m.Cameras {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func sortedImageIDs(m *Model) []uint32 {
	ids := make([]uint32, 0, len(m.Images))
	for id := range m.Images {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func sortedPointIDs(m *Model) []uint64 {
	ids := make([]uint64, 0, len(m.Points3D))
	for id := range m.Points3D {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
