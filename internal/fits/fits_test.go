package fits

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"testing"
)

// TestReadHandBuiltFile parses a byte stream laid out record by record,
// so the reader is checked against the on-disk format rather than
// against our own writer.
func TestReadHandBuiltFile(t *testing.T) {
	var b bytes.Buffer
	cards := []string{
		"SIMPLE  =                    T",
		"BITPIX  =                   16",
		"NAXIS   =                    2",
		"NAXIS1  =                    3",
		"NAXIS2  =                    2",
		"BZERO   =                32768",
		"OBJECT  = 'M31     '           / target",
		"EXPTIME =                 30.5",
		"END",
	}
	for _, c := range cards {
		fmt.Fprintf(&b, "%-80s", c)
	}
	for i := len(cards); i < recordsPerBlock; i++ {
		b.WriteString(strings.Repeat(" ", recordSize))
	}
	raw := []int16{-32768, -32767, -32766, 0, 100, 32767}
	for _, v := range raw {
		binary.Write(&b, binary.BigEndian, v)
	}
	b.Write(make([]byte, blockSize-len(raw)*2))

	img, err := Read(&b)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if img.Width != 3 || img.Height != 2 {
		t.Fatalf("dimensions = %dx%d, want 3x2", img.Width, img.Height)
	}
	if img.Bitpix != 16 {
		t.Errorf("bitpix = %d, want 16", img.Bitpix)
	}
	want := []float64{0, 1, 2, 32768, 32868, 65535}
	for i, w := range want {
		if img.Pix[i] != w {
			t.Errorf("pixel %d = %g, want %g", i, img.Pix[i], w)
		}
	}
	if got := img.Header.GetString("OBJECT"); got != "M31" {
		t.Errorf("OBJECT = %q, want M31", got)
	}
	if exp, ok := img.Header.GetFloat("EXPTIME"); !ok || exp != 30.5 {
		t.Errorf("EXPTIME = %v (%v), want 30.5", exp, ok)
	}
}

func TestRoundTripFloat(t *testing.T) {
	img := NewImage(4, 3)
	for i := range img.Pix {
		img.Pix[i] = float64(i)*0.25 - 1.5
	}
	img.Header.Set("OBJECT", "NGC 1234")

	var b bytes.Buffer
	if err := Write(&b, img); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if b.Len()%blockSize != 0 {
		t.Errorf("stream length %d not a multiple of %d", b.Len(), blockSize)
	}

	got, err := Read(&b)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got.Width != 4 || got.Height != 3 {
		t.Fatalf("dimensions = %dx%d, want 4x3", got.Width, got.Height)
	}
	for i := range img.Pix {
		if got.Pix[i] != img.Pix[i] {
			t.Errorf("pixel %d = %g, want %g", i, got.Pix[i], img.Pix[i])
		}
	}
	if got.Header.GetString("OBJECT") != "NGC 1234" {
		t.Errorf("OBJECT = %q, want NGC 1234", got.Header.GetString("OBJECT"))
	}
}

func TestWriteIntegerClamps(t *testing.T) {
	img := NewImage(3, 1)
	img.Bitpix = 16
	img.Pix = []float64{1e9, -1e9, math.NaN()}

	var b bytes.Buffer
	if err := Write(&b, img); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got, err := Read(&b)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	want := []float64{32767, -32768, 0}
	for i, w := range want {
		if got.Pix[i] != w {
			t.Errorf("pixel %d = %g, want %g", i, got.Pix[i], w)
		}
	}
}

func TestReadRejectsBadGeometry(t *testing.T) {
	var b bytes.Buffer
	cards := []string{
		"SIMPLE  =                    T",
		"BITPIX  =                   16",
		"NAXIS   =                    3",
		"NAXIS1  =                   10",
		"NAXIS2  =                   10",
		"NAXIS3  =                    3",
		"END",
	}
	for _, c := range cards {
		fmt.Fprintf(&b, "%-80s", c)
	}
	for i := len(cards); i < recordsPerBlock; i++ {
		b.WriteString(strings.Repeat(" ", recordSize))
	}
	if _, err := Read(&b); err == nil {
		t.Fatal("expected error for NAXIS=3")
	}
}

func TestWriteRejectsBadBitpix(t *testing.T) {
	img := NewImage(2, 2)
	img.Bitpix = 64
	if err := Write(&bytes.Buffer{}, img); err == nil {
		t.Fatal("expected error for unsupported BITPIX")
	}
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.fits")
	img := NewImage(8, 8)
	img.Bitpix = -64
	for i := range img.Pix {
		img.Pix[i] = math.Sqrt(float64(i))
	}
	if err := WriteFile(path, img); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	for i := range img.Pix {
		if got.Pix[i] != img.Pix[i] {
			t.Errorf("pixel %d = %g, want %g", i, got.Pix[i], img.Pix[i])
		}
	}
}
