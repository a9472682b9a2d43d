package utilities

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lestrrat-go/strftime"
)

// RawLog guarda en hex cada chunk recibido, un archivo por periodo según
// el patrón strftime (p. ej. "ALLTRACKINGS_%Y%m%d.log").
type RawLog struct {
	dir     string
	pattern *strftime.Strftime
	now     func() time.Time

	mu   sync.Mutex
	name string
	f    *os.File
}

func NewRawLog(dir, pattern string) (*RawLog, error) {
	p, err := strftime.New(pattern)
	if err != nil {
		return nil, fmt.Errorf("raw log pattern %q: %w", pattern, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("raw log dir %s: %w", dir, err)
	}
	return &RawLog{dir: dir, pattern: p, now: time.Now}, nil
}

// Write agrega una línea "hh:mm:ss - <imei> <remote> <hex>".
func (l *RawLog) Write(imei, remote string, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	name := filepath.Join(l.dir, l.pattern.FormatString(now))
	if name != l.name || l.f == nil {
		if l.f != nil {
			_ = l.f.Close()
		}
		f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			l.f, l.name = nil, ""
			return fmt.Errorf("raw log open %s: %w", name, err)
		}
		l.f, l.name = f, name
	}
	if imei == "" {
		imei = "-"
	}
	_, err := fmt.Fprintf(l.f, "%s - %s %s %s\n", now.Format("15:04:05"), imei, remote, hex.EncodeToString(data))
	return err
}

func (l *RawLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f, l.name = nil, ""
	return err
}
