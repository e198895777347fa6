package processing

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/JakeFAU/geotile-pipeline/internal/pipeline"
)

// ContentType is the media type of Encode's output.
const ContentType = "application/x-geotile-bsq"

// tileHeader is the first line of an encoded tile.
type tileHeader struct {
	Format     string           `json:"format"`
	Key        pipeline.TileKey `json:"key"`
	Sensor     string           `json:"sensor"`
	AcquiredAt time.Time        `json:"acquired_at"`
	Width      int              `json:"width"`
	Height     int              `json:"height"`
	Bands      []string         `json:"bands"`
	AllInvalid bool             `json:"all_invalid"`
	Valid      int              `json:"valid_pixels"`
	Sources    []string         `json:"sources"`
}

const formatVersion = "geotile-bsq/1"

// Encode serialises a tile as a JSON header line followed by band-sequential
// little-endian float32 samples and a packed validity bitmap (LSB first).
func Encode(tile pipeline.ProcessedTile) ([]byte, error) {
	n := tile.Width * tile.Height
	if len(tile.Valid) != n {
		return nil, fmt.Errorf("encode tile %s: validity mask has %d entries, want %d", tile.Key, len(tile.Valid), n)
	}
	hdr := tileHeader{
		Format:     formatVersion,
		Key:        tile.Key,
		Sensor:     tile.Sensor,
		AcquiredAt: tile.AcquiredAt,
		Width:      tile.Width,
		Height:     tile.Height,
		AllInvalid: tile.AllInvalid,
		Valid:      tile.ValidCount(),
		Sources:    tile.Sources,
	}
	for _, b := range tile.Bands {
		if len(b.Values) != n {
			return nil, fmt.Errorf("encode tile %s: band %s has %d samples, want %d", tile.Key, b.Name, len(b.Values), n)
		}
		hdr.Bands = append(hdr.Bands, b.Name)
	}

	var buf bytes.Buffer
	buf.Grow(256 + len(tile.Bands)*n*4 + (n+7)/8)
	if err := json.NewEncoder(&buf).Encode(hdr); err != nil {
		return nil, fmt.Errorf("encode tile header: %w", err)
	}
	sample := make([]byte, 4)
	for _, b := range tile.Bands {
		for _, v := range b.Values {
			binary.LittleEndian.PutUint32(sample, math.Float32bits(float32(v)))
			buf.Write(sample)
		}
	}
	bitmap := make([]byte, (n+7)/8)
	for i, ok := range tile.Valid {
		if ok {
			bitmap[i/8] |= 1 << (i % 8)
		}
	}
	buf.Write(bitmap)
	return buf.Bytes(), nil
}

// DecodeTile reverses Encode.
func DecodeTile(data []byte) (pipeline.ProcessedTile, error) {
	r := bufio.NewReader(bytes.NewReader(data))
	line, err := r.ReadBytes('\n')
	if err != nil {
		return pipeline.ProcessedTile{}, fmt.Errorf("read tile header: %w", err)
	}
	var hdr tileHeader
	if err := json.Unmarshal(line, &hdr); err != nil {
		return pipeline.ProcessedTile{}, fmt.Errorf("parse tile header: %w", err)
	}
	if hdr.Format != formatVersion {
		return pipeline.ProcessedTile{}, fmt.Errorf("unsupported tile format %q", hdr.Format)
	}
	n := hdr.Width * hdr.Height
	tile := pipeline.ProcessedTile{
		Key:        hdr.Key,
		Sensor:     hdr.Sensor,
		AcquiredAt: hdr.AcquiredAt,
		Width:      hdr.Width,
		Height:     hdr.Height,
		AllInvalid: hdr.AllInvalid,
		Sources:    hdr.Sources,
		Valid:      make([]bool, n),
	}
	sample := make([]byte, 4)
	for _, name := range hdr.Bands {
		values := make([]float64, n)
		for i := range values {
			if _, err := io.ReadFull(r, sample); err != nil {
				return pipeline.ProcessedTile{}, fmt.Errorf("read band %s: %w", name, err)
			}
			values[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(sample)))
		}
		tile.Bands = append(tile.Bands, pipeline.BandData{Name: name, Values: values})
	}
	bitmap := make([]byte, (n+7)/8)
	if _, err := io.ReadFull(r, bitmap); err != nil {
		return pipeline.ProcessedTile{}, fmt.Errorf("read validity bitmap: %w", err)
	}
	for i := range tile.Valid {
		tile.Valid[i] = bitmap[i/8]&(1<<(i%8)) != 0
	}
	if _, err := r.ReadByte(); !errors.Is(err, io.EOF) {
		return pipeline.ProcessedTile{}, errors.New("trailing bytes after validity bitmap")
	}
	return tile, nil
}
