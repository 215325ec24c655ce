package fsutil

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"tetra3d/internal/pb"
)

// LoadCentroids reads star centroids from path. Two formats are accepted:
// a JSON array of {"x":..,"y":..} objects, or text with one "x y" pair per
// line (commas allowed as separators, # starts a comment).
func LoadCentroids(path string) ([]*pb.ImageCoord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var coords []*pb.ImageCoord
		if err := json.Unmarshal(trimmed, &coords); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		for i, c := range coords {
			if c == nil {
				return nil, fmt.Errorf("parse %s: entry %d is null", path, i)
			}
		}
		return coords, nil
	}
	coords, err := parseCentroidLines(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return coords, nil
}

func parseCentroidLines(r *bytes.Reader) ([]*pb.ImageCoord, error) {
	var coords []*pb.ImageCoord
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(strings.ReplaceAll(line, ",", " "))
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: want \"x y\", got %q", lineNo, scanner.Text())
		}
		x, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		y, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		coords = append(coords, &pb.ImageCoord{X: x, Y: y})
	}
	return coords, scanner.Err()
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
