package colmap

import (
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func twoViewModel() *Model {
	pinhole, _ := ModelByName("PINHOLE")
	m := NewModel()
	m.Cameras[1] = Camera{ID: 1, Model: pinhole, Width: 1334, Height: 2048, Params: []float64{1500, 1500, 667, 1024}}
	m.Cameras[2] = Camera{ID: 2, Model: pinhole, Width: 1334, Height: 2048, Params: []float64{1510, 1490, 660, 1020.5}}
	m.Images[1] = Image{
		ID: 1, QVec: [4]float64{1, 0, 0, 0}, TVec: [3]float64{0, 0, 0}, CameraID: 1, Name: "400002.png",
		Points2D: []Point2D{{X: 10.5, Y: 20.25, Point3DID: 7}, {X: 30, Y: 40, Point3DID: InvalidPoint3DID}},
	}
	m.Images[2] = Image{
		ID: 2, QVec: [4]float64{0.5, 0.5, 0.5, 0.5}, TVec: [3]float64{1, 0.1, -2}, CameraID: 2, Name: "400004.png",
		Points2D: []Point2D{{X: 11, Y: 21, Point3DID: 7}},
	}
	m.Points3D[7] = Point3D{
		ID: 7, XYZ: [3]float64{0.1, -0.2, 3}, RGB: [3]uint8{200, 100, 50}, Error: 0.75,
		Track: []TrackElement{{ImageID: 1, Point2DIdx: 0}, {ImageID: 2, Point2DIdx: 0}},
	}
	return m
}

func TestBinaryRoundTripPreservesModel(t *testing.T) {
	dir := t.TempDir()
	want := twoViewModel()
	if err := WriteBinary(dir, want); err != nil {
		t.Fatalf("WriteBinary: %v", err)
	}
	if !BinaryExists(dir) {
		t.Fatalf("expected binary files in %s", dir)
	}
	got, err := ReadBinary(dir)
	if err != nil {
		t.Fatalf("ReadBinary: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("model mismatch (-want +got):\n%s", diff)
	}
}

func TestReadBinaryTruncatedFile(t *testing.T) {
	dir := t.TempDir()
	if err := WriteBinary(dir, twoViewModel()); err != nil {
		t.Fatalf("WriteBinary: %v", err)
	}
	path := filepath.Join(dir, ImagesBin)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data[:len(data)-5], 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = ReadBinary(dir)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected unexpected EOF, got %v", err)
	}
}

func TestReadBinaryMissingFiles(t *testing.T) {
	dir := t.TempDir()
	if BinaryExists(dir) {
		t.Fatalf("empty dir reported as model")
	}
	if _, err := ReadBinary(dir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestWriteTextFormat(t *testing.T) {
	dir := t.TempDir()
	if err := WriteText(dir, twoViewModel()); err != nil {
		t.Fatalf("WriteText: %v", err)
	}

	cameras := readLines(t, filepath.Join(dir, CamerasTxt))
	wantCameras := []string{
		"# Camera list with one line of data per camera:",
		"#   CAMERA_ID, MODEL, WIDTH, HEIGHT, PARAMS[]",
		"# Number of cameras: 2",
		"1 PINHOLE 1334 2048 1500 1500 667 1024",
		"2 PINHOLE 1334 2048 1510 1490 660 1020.5",
	}
	if diff := cmp.Diff(wantCameras, cameras); diff != "" {
		t.Fatalf("cameras.txt mismatch (-want +got):\n%s", diff)
	}

	images := readLines(t, filepath.Join(dir, ImagesTxt))
	wantImages := []string{
		"# Image list with two lines of data per image:",
		"#   IMAGE_ID, QW, QX, QY, QZ, TX, TY, TZ, CAMERA_ID, NAME",
		"#   POINTS2D[] as (X, Y, POINT3D_ID)",
		"# Number of images: 2, mean observations per image: 1",
		"1 1 0 0 0 0 0 0 1 400002.png",
		"10.5 20.25 7 30 40 -1",
		"2 0.5 0.5 0.5 0.5 1 0.10000000000000001 -2 2 400004.png",
		"11 21 7",
	}
	if diff := cmp.Diff(wantImages, images); diff != "" {
		t.Fatalf("images.txt mismatch (-want +got):\n%s", diff)
	}

	points := readLines(t, filepath.Join(dir, Points3DTxt))
	wantPoints := []string{
		"# 3D point list with one line of data per point:",
		"#   POINT3D_ID, X, Y, Z, R, G, B, ERROR, TRACK[] as (IMAGE_ID, POINT2D_IDX)",
		"# Number of points: 1, mean track length: 2",
		"7 0.10000000000000001 -0.20000000000000001 3 200 100 50 0.75 1 0 2 0",
	}
	if diff := cmp.Diff(wantPoints, points); diff != "" {
		t.Fatalf("points3D.txt mismatch (-want +got):\n%s", diff)
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize(twoViewModel(), []string{"400002.png", "400004.png", "400006.png"})
	want := Summary{
		InputImages:      3,
		RegisteredImages: 2,
		Cameras:          2,
		Points3D:         1,
		Observations:     2,
		MeanObservations: 1,
		MeanTrackLength:  2,
		MeanReprojError:  0.75,
		Unregistered:     []string{"400006.png"},
	}
	if diff := cmp.Diff(want, s); diff != "" {
		t.Fatalf("summary mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(s.String(), "2/3 images registered") {
		t.Fatalf("unexpected summary string %q", s.String())
	}
}

func TestSummarizeEmptyModel(t *testing.T) {
	s := Summarize(NewModel(), nil)
	if s.MeanTrackLength != 0 || s.MeanReprojError != 0 || math.IsNaN(s.MeanObservations) {
		t.Fatalf("expected zero means for empty model, got %+v", s)
	}
}

func TestModelLookup(t *testing.T) {
	for _, m := range CameraModels {
		byID, ok := ModelByID(m.ID)
		if !ok || byID != m {
			t.Fatalf("ModelByID(%d) = %+v, %v", m.ID, byID, ok)
		}
		byName, ok := ModelByName(m.Name)
		if !ok || byName != m {
			t.Fatalf("ModelByName(%s) = %+v, %v", m.Name, byName, ok)
		}
	}
	if _, ok := ModelByID(42); ok {
		t.Fatalf("unexpected model for id 42")
	}
	if _, ok := ModelByName("KANNALA"); ok {
		t.Fatalf("unexpected model for unknown name")
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}
