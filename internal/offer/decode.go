package offer

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedOffer is returned by Decode for any payload that doesn't match
// the grammar in spec §6.4.
var ErrMalformedOffer = errors.New("offer: malformed offer payload")

// Decode parses an RPCOFFER payload (spec §6.4) into the procedures and
// capabilities it advertises.
func Decode(payload []byte) ([]Procedure, Capabilities, error) {
	scanner := bufio.NewScanner(strings.NewReader(string(payload)))

	n, err := expectCountLine(scanner, "procedures:")
	if err != nil {
		return nil, Capabilities{}, err
	}
	procedures := make([]Procedure, 0, n)
	for i := 0; i < n; i++ {
		if !scanner.Scan() {
			return nil, Capabilities{}, fmt.Errorf("%w: truncated procedure list", ErrMalformedOffer)
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 1 {
			return nil, Capabilities{}, fmt.Errorf("%w: empty procedure line", ErrMalformedOffer)
		}
		procedures = append(procedures, Procedure{Name: fields[0], ArgTypes: fields[1:]})
	}

	m, err := expectCountLine(scanner, "capabilities:")
	if err != nil {
		return nil, Capabilities{}, err
	}
	caps := Capabilities{}
	for i := 0; i < m; i++ {
		if !scanner.Scan() {
			return nil, Capabilities{}, fmt.Errorf("%w: truncated capability list", ErrMalformedOffer)
		}
		k, v, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			return nil, Capabilities{}, fmt.Errorf("%w: bad capability line %q", ErrMalformedOffer, scanner.Text())
		}
		if err := applyCapability(&caps, k, v); err != nil {
			return nil, Capabilities{}, err
		}
	}

	return procedures, caps, nil
}

func expectCountLine(scanner *bufio.Scanner, prefix string) (int, error) {
	if !scanner.Scan() {
		return 0, fmt.Errorf("%w: missing %q line", ErrMalformedOffer, prefix)
	}
	line := strings.TrimSpace(scanner.Text())
	if !strings.HasPrefix(line, prefix) {
		return 0, fmt.Errorf("%w: expected %q, got %q", ErrMalformedOffer, prefix, line)
	}
	n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, prefix)))
	if err != nil {
		return 0, fmt.Errorf("%w: bad count in %q: %v", ErrMalformedOffer, line, err)
	}
	return n, nil
}

func applyCapability(caps *Capabilities, key, value string) error {
	switch key {
	case "cpu_load":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%w: cpu_load: %v", ErrMalformedOffer, err)
		}
		caps.CPULoad = v
	case "memory":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%w: memory: %v", ErrMalformedOffer, err)
		}
		caps.Memory = v
	case "disk_space":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%w: disk_space: %v", ErrMalformedOffer, err)
		}
		caps.DiskSpace = v
	case "energy":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%w: energy: %v", ErrMalformedOffer, err)
		}
		caps.Energy = &v
	case "gps_coord":
		x, y, ok := strings.Cut(value, ",")
		if !ok {
			return fmt.Errorf("%w: gps_coord: expected x,y, got %q", ErrMalformedOffer, value)
		}
		xf, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return fmt.Errorf("%w: gps_coord x: %v", ErrMalformedOffer, err)
		}
		yf, err := strconv.ParseFloat(y, 64)
		if err != nil {
			return fmt.Errorf("%w: gps_coord y: %v", ErrMalformedOffer, err)
		}
		caps.GPSCoord = &Point{X: xf, Y: yf}
	default:
		// Unknown capability extensions are silently ignored on decode —
		// only the filter grammar (jobdoc) rejects unknown keys.
	}
	return nil
}
