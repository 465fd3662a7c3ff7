package job

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// Format is the layout of a recipient list.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// Rejection is an input row that was skipped.
type Rejection struct {
	Key    string
	Reason string
}

// Input is a parsed recipient list in file order.
type Input struct {
	Entries  []Entry
	Rejected []Rejection
}

// LoadFile reads a recipient list, choosing the format from the extension and
// falling back to sniffing the first byte.
func LoadFile(path string) (*Input, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recipient list: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	format := FormatCSV
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		format = FormatJSON
	case ".csv":
	default:
		if b, err := peekNonSpace(br); err == nil && b == '{' {
			format = FormatJSON
		}
	}

	in, err := Read(br, format)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipient list %s: %w", path, err)
	}
	return in, nil
}

// Read parses a recipient list. JSON input is an object mapping address to
// weight; CSV input is address[,weight] with an optional header row.
// Invalid or duplicate rows are reported in Rejected, first occurrence wins.
func Read(r io.Reader, format Format) (*Input, error) {
	var raw []rawEntry
	var err error
	switch format {
	case FormatJSON:
		raw, err = readJSON(r)
	case FormatCSV:
		raw, err = readCSV(r)
	default:
		return nil, fmt.Errorf("unknown input format %q", format)
	}
	if err != nil {
		return nil, err
	}

	in := &Input{}
	seen := make(map[solana.PublicKey]struct{}, len(raw))
	for _, re := range raw {
		addr, err := solana.PublicKeyFromBase58(re.key)
		if err != nil {
			in.Rejected = append(in.Rejected, Rejection{Key: re.key, Reason: "invalid address"})
			continue
		}
		weight, err := decimal.NewFromString(re.weight)
		if err != nil {
			in.Rejected = append(in.Rejected, Rejection{Key: re.key, Reason: fmt.Sprintf("invalid weight %q", re.weight)})
			continue
		}
		if !weight.IsPositive() {
			in.Rejected = append(in.Rejected, Rejection{Key: re.key, Reason: "weight must be greater than 0"})
			continue
		}
		if _, dup := seen[addr]; dup {
			in.Rejected = append(in.Rejected, Rejection{Key: re.key, Reason: "duplicate address"})
			continue
		}
		seen[addr] = struct{}{}
		in.Entries = append(in.Entries, Entry{Address: addr, Weight: weight})
	}
	return in, nil
}

type rawEntry struct {
	key    string
	weight string
}

// readJSON walks the object token by token so file order is kept.
func readJSON(r io.Reader) ([]rawEntry, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to read json: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("json input must be an object of address to weight")
	}

	var out []rawEntry
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to read json key: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected json token %v", tok)
		}
		var val any
		if err := dec.Decode(&val); err != nil {
			return nil, fmt.Errorf("failed to read weight for %s: %w", key, err)
		}
		var weight string
		switch v := val.(type) {
		case json.Number:
			weight = v.String()
		case string:
			weight = strings.TrimSpace(v)
		default:
			weight = fmt.Sprintf("%v", v)
		}
		out = append(out, rawEntry{key: strings.TrimSpace(key), weight: weight})
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("failed to read json: %w", err)
	}
	return out, nil
}

func readCSV(r io.Reader) ([]rawEntry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	var out []rawEntry
	first := true
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv: %w", err)
		}
		if len(rec) == 0 {
			continue
		}
		key := strings.TrimSpace(rec[0])
		if first {
			first = false
			if _, err := solana.PublicKeyFromBase58(key); err != nil && looksLikeHeader(key) {
				continue
			}
		}
		if key == "" {
			continue
		}
		weight := "1"
		if len(rec) > 1 {
			if w := strings.TrimSpace(rec[1]); w != "" {
				weight = w
			}
		}
		out = append(out, rawEntry{key: key, weight: weight})
	}
	return out, nil
}

func looksLikeHeader(s string) bool {
	s = strings.ToLower(s)
	for _, h := range []string{"address", "wallet", "owner", "recipient", "pubkey"} {
		if strings.Contains(s, h) {
			return true
		}
	}
	return false
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	b, err := br.Peek(512)
	trimmed := bytes.TrimLeft(b, " \t\r\n\ufeff")
	if len(trimmed) == 0 {
		if err == nil {
			err = io.EOF
		}
		return 0, err
	}
	return trimmed[0], nil
}
