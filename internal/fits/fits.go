// Package fits reads and writes simple FITS files: a single 2-D primary
// HDU with integer or floating point pixels. Pixel data is held in
// physical units as float64, with BSCALE/BZERO applied on read and the
// requested BITPIX encoding applied on write.
package fits

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
)

const (
	blockSize       = 2880
	recordSize      = 80
	recordsPerBlock = blockSize / recordSize
)

// Header holds non-structural header cards keyed by uppercase keyword.
// Structural cards (SIMPLE, BITPIX, NAXIS*, BZERO, BSCALE, EXTEND) are
// consumed on read; SIMPLE, BITPIX and NAXIS* are regenerated on write.
// Scaling cards are not written back because pixels are stored already
// scaled to physical units.
type Header map[string]string

// GetString returns the raw value of a card, or "" when absent.
func (h Header) GetString(key string) string {
	return h[strings.ToUpper(key)]
}

// GetFloat returns the value of a card parsed as a float.
func (h Header) GetFloat(key string) (float64, bool) {
	v, ok := h[strings.ToUpper(key)]
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// GetInt returns the value of a card parsed as an integer.
func (h Header) GetInt(key string) (int, bool) {
	v, ok := h[strings.ToUpper(key)]
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return i, true
}

// Set stores a card value under an uppercase keyword.
func (h Header) Set(key, value string) {
	h[strings.ToUpper(key)] = value
}

// Image is a single 2-D image HDU. Pixels are row-major with the X axis
// varying fastest: Pix[y*Width+x].
type Image struct {
	Width  int
	Height int
	Pix    []float64
	Bitpix int // encoding used when the image is written
	Header Header
}

// NewImage allocates a zeroed image that writes as 32-bit floats.
func NewImage(width, height int) *Image {
	return &Image{
		Width:  width,
		Height: height,
		Pix:    make([]float64, width*height),
		Bitpix: -32,
		Header: make(Header),
	}
}

// At returns the pixel at (x, y). Bounds are not checked.
func (img *Image) At(x, y int) float64 { return img.Pix[y*img.Width+x] }

// Set stores the pixel at (x, y). Bounds are not checked.
func (img *Image) Set(x, y int, v float64) { img.Pix[y*img.Width+x] = v }

// ReadFile reads a FITS image from a file.
func ReadFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening FITS file: %w", err)
	}
	defer f.Close()
	return Read(bufio.NewReaderSize(f, blockSize))
}

// Read parses the primary HDU from r.
func Read(r io.Reader) (*Image, error) {
	var bitpix, naxis, width, height int
	bzero := 0.0
	bscale := 1.0
	header := make(Header)

	record := make([]byte, recordSize)
	headerDone := false
	for !headerDone {
		for i := 0; i < recordsPerBlock; i++ {
			if _, err := io.ReadFull(r, record); err != nil {
				return nil, fmt.Errorf("reading FITS header record: %w", err)
			}
			keyword := strings.TrimSpace(string(record[:8]))
			if keyword == "END" {
				headerDone = true
				if remaining := recordsPerBlock - 1 - i; remaining > 0 {
					if _, err := io.CopyN(io.Discard, r, int64(remaining*recordSize)); err != nil {
						return nil, fmt.Errorf("skipping FITS header padding: %w", err)
					}
				}
				break
			}
			if len(record) <= 10 || record[8] != '=' || record[9] != ' ' {
				continue
			}
			raw := strings.TrimSpace(strings.SplitN(string(record[10:]), "/", 2)[0])

			switch keyword {
			case "BITPIX":
				bitpix, _ = strconv.Atoi(raw)
			case "NAXIS":
				naxis, _ = strconv.Atoi(raw)
			case "NAXIS1":
				width, _ = strconv.Atoi(raw)
			case "NAXIS2":
				height, _ = strconv.Atoi(raw)
			case "BZERO":
				bzero, _ = strconv.ParseFloat(raw, 64)
			case "BSCALE":
				bscale, _ = strconv.ParseFloat(raw, 64)
			case "SIMPLE", "EXTEND":
				// consumed; regenerated on write
			default:
				if keyword != "" {
					if v := parseValue(raw); v != "" {
						header[keyword] = v
					}
				}
			}
		}
	}

	if naxis != 2 || width <= 0 || height <= 0 {
		return nil, fmt.Errorf("unsupported FITS geometry: NAXIS=%d, NAXIS1=%d, NAXIS2=%d", naxis, width, height)
	}

	npix := width * height
	pix := make([]float64, npix)
	switch bitpix {
	case 8:
		buf := make([]byte, npix)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("reading 8-bit pixel data: %w", err)
		}
		for i, b := range buf {
			pix[i] = float64(b)*bscale + bzero
		}
	case 16:
		buf := make([]byte, npix*2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("reading 16-bit pixel data: %w", err)
		}
		for i := 0; i < npix; i++ {
			v := int16(binary.BigEndian.Uint16(buf[i*2:]))
			pix[i] = float64(v)*bscale + bzero
		}
	case 32:
		buf := make([]byte, npix*4)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("reading 32-bit pixel data: %w", err)
		}
		for i := 0; i < npix; i++ {
			v := int32(binary.BigEndian.Uint32(buf[i*4:]))
			pix[i] = float64(v)*bscale + bzero
		}
	case -32:
		buf := make([]byte, npix*4)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("reading float pixel data: %w", err)
		}
		for i := 0; i < npix; i++ {
			v := math.Float32frombits(binary.BigEndian.Uint32(buf[i*4:]))
			pix[i] = float64(v)*bscale + bzero
		}
	case -64:
		buf := make([]byte, npix*8)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("reading double pixel data: %w", err)
		}
		for i := 0; i < npix; i++ {
			v := math.Float64frombits(binary.BigEndian.Uint64(buf[i*8:]))
			pix[i] = v*bscale + bzero
		}
	default:
		return nil, fmt.Errorf("unsupported BITPIX: %d", bitpix)
	}

	return &Image{
		Width:  width,
		Height: height,
		Pix:    pix,
		Bitpix: bitpix,
		Header: header,
	}, nil
}

// WriteFile writes the image to a file, replacing any existing file.
func WriteFile(path string, img *Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating FITS file: %w", err)
	}
	w := bufio.NewWriterSize(f, blockSize)
	if err := Write(w, img); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flushing FITS file: %w", err)
	}
	return f.Close()
}

// Write emits the image as a single-HDU FITS stream using img.Bitpix as
// the pixel encoding. Integer encodings round and clamp to the type
// range; use -32 or -64 for lossless output.
func Write(w io.Writer, img *Image) error {
	switch img.Bitpix {
	case 8, 16, 32, -32, -64:
	default:
		return fmt.Errorf("unsupported BITPIX: %d", img.Bitpix)
	}
	if len(img.Pix) != img.Width*img.Height {
		return fmt.Errorf("pixel buffer has %d values, want %d", len(img.Pix), img.Width*img.Height)
	}

	records := []string{
		formatCard("SIMPLE", "T"),
		formatCard("BITPIX", strconv.Itoa(img.Bitpix)),
		formatCard("NAXIS", "2"),
		formatCard("NAXIS1", strconv.Itoa(img.Width)),
		formatCard("NAXIS2", strconv.Itoa(img.Height)),
	}
	keys := make([]string, 0, len(img.Header))
	for k := range img.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		records = append(records, formatCard(k, img.Header[k]))
	}
	records = append(records, fmt.Sprintf("%-80s", "END"))
	for len(records)%recordsPerBlock != 0 {
		records = append(records, strings.Repeat(" ", recordSize))
	}
	for _, rec := range records {
		if _, err := io.WriteString(w, rec); err != nil {
			return fmt.Errorf("writing FITS header: %w", err)
		}
	}

	var buf []byte
	switch img.Bitpix {
	case 8:
		buf = make([]byte, len(img.Pix))
		for i, v := range img.Pix {
			buf[i] = byte(clampInt(v, 0, 255))
		}
	case 16:
		buf = make([]byte, len(img.Pix)*2)
		for i, v := range img.Pix {
			binary.BigEndian.PutUint16(buf[i*2:], uint16(int16(clampInt(v, math.MinInt16, math.MaxInt16))))
		}
	case 32:
		buf = make([]byte, len(img.Pix)*4)
		for i, v := range img.Pix {
			binary.BigEndian.PutUint32(buf[i*4:], uint32(int32(clampInt(v, math.MinInt32, math.MaxInt32))))
		}
	case -32:
		buf = make([]byte, len(img.Pix)*4)
		for i, v := range img.Pix {
			binary.BigEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
		}
	case -64:
		buf = make([]byte, len(img.Pix)*8)
		for i, v := range img.Pix {
			binary.BigEndian.PutUint64(buf[i*8:], math.Float64bits(v))
		}
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing FITS pixel data: %w", err)
	}
	if pad := len(buf) % blockSize; pad != 0 {
		if _, err := w.Write(make([]byte, blockSize-pad)); err != nil {
			return fmt.Errorf("padding FITS data unit: %w", err)
		}
	}
	return nil
}

// formatCard renders one 80-byte header record. Values that look numeric
// or boolean are right-justified in the fixed value field; everything
// else is written as a quoted string. Overlong cards are truncated.
func formatCard(key, value string) string {
	v := value
	var rec string
	switch {
	case v == "T" || v == "F" || v == "True" || v == "False":
		if v == "True" {
			v = "T"
		} else if v == "False" {
			v = "F"
		}
		rec = fmt.Sprintf("%-8s= %20s", key, v)
	case isNumeric(v):
		rec = fmt.Sprintf("%-8s= %20s", key, v)
	default:
		rec = fmt.Sprintf("%-8s= '%-8s'", key, v)
	}
	if len(rec) > recordSize {
		return rec[:recordSize]
	}
	return fmt.Sprintf("%-*s", recordSize, rec)
}

func isNumeric(v string) bool {
	_, err := strconv.ParseFloat(v, 64)
	return err == nil
}

func parseValue(raw string) string {
	if raw == "" {
		return ""
	}
	if raw == "T" {
		return "True"
	}
	if raw == "F" {
		return "False"
	}
	if strings.HasPrefix(raw, "'") {
		if end := strings.LastIndex(raw, "'"); end > 0 {
			return strings.TrimRight(raw[1:end], " ")
		}
		return strings.Trim(raw, "' ")
	}
	return raw
}

func clampInt(v, lo, hi float64) int64 {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Round(v)
	if v < lo {
		return int64(lo)
	}
	if v > hi {
		return int64(hi)
	}
	return int64(v)
}
