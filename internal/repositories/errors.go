package repositories

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"dm-sync/internal/remote"
)

// classify tags a database error with the remote error kind it stands for.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", remote.ErrNotFound, err)
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", remote.ErrTransient, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "42501":
			return fmt.Errorf("%w: %v", remote.ErrPermission, err)
		case pqErr.Code == "23503":
			return fmt.Errorf("%w: %v", remote.ErrNotFound, err)
		}
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			return fmt.Errorf("%w: %v", remote.ErrTransient, err)
		}
	}
	return err
}
