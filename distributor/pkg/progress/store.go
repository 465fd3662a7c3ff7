package progress

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/renameio/v2"

	"github.com/malbeclabs/airdrop/distributor/pkg/job"
)

var (
	successHeader = []string{"timestamp", "address", "weight", "amount", "signature"}
	failureHeader = []string{"timestamp", "address", "weight", "amount", "reason"}
)

type FileStoreConfig struct {
	// RemainingPath is the checkpoint overwritten after every batch.
	RemainingPath string
	// AmountsPath optionally receives the base-unit quantity of every
	// checkpointed recipient, written before the checkpoint itself.
	AmountsPath string
	// RetryPath receives the failed recipients at the end of the run.
	RetryPath   string
	SuccessPath string
	FailurePath string
}

func (cfg *FileStoreConfig) Validate() error {
	if cfg.RemainingPath == "" {
		return errors.New("remaining path is required")
	}
	if cfg.RetryPath == "" {
		return errors.New("retry path is required")
	}
	if cfg.SuccessPath == "" {
		return errors.New("success log path is required")
	}
	if cfg.FailurePath == "" {
		return errors.New("failure log path is required")
	}
	return nil
}

// FileStore keeps checkpoints as JSON objects in the job input shape and
// result logs as append-only CSV.
type FileStore struct {
	cfg FileStoreConfig
	mu  sync.Mutex
}

func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, p := range []string{cfg.RemainingPath, cfg.AmountsPath, cfg.RetryPath, cfg.SuccessPath, cfg.FailurePath} {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", p, err)
		}
	}
	return &FileStore{cfg: cfg}, nil
}

func (s *FileStore) SaveRemaining(rs []job.Recipient) error {
	if s.cfg.AmountsPath != "" {
		if err := writeFile(s.cfg.AmountsPath, encodeAmounts(rs)); err != nil {
			return err
		}
	}
	return writeFile(s.cfg.RemainingPath, encodeRecipients(rs))
}

// LoadAmounts reads quantities written next to a checkpoint. A missing file
// yields a nil map.
func LoadAmounts(path string) (map[solana.PublicKey]uint64, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var raw map[string]uint64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	out := make(map[solana.PublicKey]uint64, len(raw))
	for k, v := range raw {
		pk, err := solana.PublicKeyFromBase58(k)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q in %s: %w", k, path, err)
		}
		out[pk] = v
	}
	return out, nil
}

func (s *FileStore) SaveRetry(rs []job.Recipient) error {
	return writeFile(s.cfg.RetryPath, encodeRecipients(rs))
}

func (s *FileStore) AppendSuccess(rec SuccessRecord) error {
	return s.appendRow(s.cfg.SuccessPath, successHeader, []string{
		rec.At.UTC().Format(time.RFC3339),
		rec.Recipient.Address.String(),
		rec.Recipient.Weight.String(),
		strconv.FormatUint(rec.Recipient.Amount, 10),
		rec.Signature.String(),
	})
}

func (s *FileStore) AppendFailure(rec FailureRecord) error {
	return s.appendRow(s.cfg.FailurePath, failureHeader, []string{
		rec.At.UTC().Format(time.RFC3339),
		rec.Recipient.Address.String(),
		rec.Recipient.Weight.String(),
		strconv.FormatUint(rec.Recipient.Amount, 10),
		rec.Reason,
	})
}

func (s *FileStore) appendRow(path string, header, row []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("failed to write header to %s: %w", path, err)
		}
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("failed to write record to %s: %w", path, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", path, err)
	}
	return nil
}

// encodeRecipients renders an address to weight object in recipient order.
func encodeRecipients(rs []job.Recipient) []byte {
	var buf bytes.Buffer
	if len(rs) == 0 {
		buf.WriteString("{}\n")
		return buf.Bytes()
	}
	buf.WriteString("{\n")
	for i, r := range rs {
		key, _ := json.Marshal(r.Address.String())
		buf.WriteString("  ")
		buf.Write(key)
		buf.WriteString(": ")
		buf.WriteString(r.Weight.String())
		if i < len(rs)-1 {
			buf.WriteByte(',')
		}
		buf.WriteByte('\n')
	}
	buf.WriteString("}\n")
	return buf.Bytes()
}

// encodeAmounts renders an address to base-unit amount object in recipient order.
func encodeAmounts(rs []job.Recipient) []byte {
	var buf bytes.Buffer
	buf.WriteString("{")
	for i, r := range rs {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(r.Address.String())
		buf.WriteString("\n  ")
		buf.Write(key)
		buf.WriteString(": ")
		buf.WriteString(strconv.FormatUint(r.Amount, 10))
	}
	if len(rs) > 0 {
		buf.WriteByte('\n')
	}
	buf.WriteString("}\n")
	return buf.Bytes()
}

// writeFile replaces path so that a crash leaves either the old or the new
// content in place.
func writeFile(path string, data []byte) error {
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
