package stores

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Check verifies that |s| honours every WriteMode and reports versions
// consistently, by exercising a uniquely named probe object under ".check/".
// It's tolerant of concurrent execution by multiple processes checking the
// same store simultaneously. The probe object is removed before returning.
func Check(ctx context.Context, s Store) (err error) {
	var (
		probe   = ".check/" + uuid.New().String()
		first   = "check-one\n"
		second  = "check-two\n"
		started = time.Now()
	)

	defer func() {
		var fields = log.Fields{
			"provider": s.Provider(),
			"probe":    probe,
			"elapsed":  time.Since(started),
		}
		if err != nil {
			fields["err"] = err
			fields["authError"] = s.IsAuthError(err)
			log.WithFields(fields).Warn("store check failed")
		} else {
			log.WithFields(fields).Info("store check succeeded")
		}
	}()

	// 1. CreateNew of the probe.
	v1, err := s.Put(ctx, probe, strings.NewReader(first), int64(len(first)), "", CreateNew, "")
	if err != nil {
		return fmt.Errorf("check CreateNew failed: %w", err)
	}
	defer func() {
		if rmErr := s.Remove(ctx, probe); rmErr != nil && err == nil {
			err = fmt.Errorf("check Remove failed: %w", rmErr)
		}
	}()

	// 2. A second CreateNew must fail its precondition.
	if _, err = s.Put(ctx, probe, strings.NewReader(first), int64(len(first)), "", CreateNew, ""); !errors.Is(err, ErrPreconditionFailed) {
		return fmt.Errorf("check CreateNew of existing object: expected precondition failure, got %v", err)
	}

	// 3. GET reports the written content and Version.
	if err = expectContent(ctx, s, probe, first, v1); err != nil {
		return err
	}

	// 4. ReplaceExact at the current Version succeeds.
	v2, err := s.Put(ctx, probe, strings.NewReader(second), int64(len(second)), "", ReplaceExact, v1)
	if err != nil {
		return fmt.Errorf("check ReplaceExact failed: %w", err)
	} else if v2 == v1 {
		return fmt.Errorf("check ReplaceExact returned an unchanged version %q", v2)
	}

	// 5. ReplaceExact at the stale Version must fail its precondition.
	if _, err = s.Put(ctx, probe, strings.NewReader(first), int64(len(first)), "", ReplaceExact, v1); !errors.Is(err, ErrPreconditionFailed) {
		return fmt.Errorf("check ReplaceExact of stale version: expected precondition failure, got %v", err)
	}
	if err = expectContent(ctx, s, probe, second, v2); err != nil {
		return err
	}

	// 6. LIST finds the probe.
	var found bool
	err = s.List(ctx, ".check/", func(path string, _ time.Time) error {
		if ".check/"+path == probe {
			found = true
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("check LIST failed: %w", err)
	} else if !found {
		return fmt.Errorf("check LIST did not find probe %s", probe)
	}
	return nil
}

func expectContent(ctx context.Context, s Store, path, content string, ver Version) error {
	var rc, got, err = s.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("check GET failed: %w", err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err = io.Copy(&buf, rc); err != nil {
		return fmt.Errorf("check read failed: %w", err)
	} else if buf.String() != content {
		return fmt.Errorf("check content mismatch: got %q, want %q", buf.String(), content)
	} else if got != ver {
		return fmt.Errorf("check version mismatch: got %q, want %q", got, ver)
	}
	return nil
}
