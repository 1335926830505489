package session

import (
	"context"

	"go.uber.org/zap"

	"dm-sync/internal/models"
	"dm-sync/internal/observability"
	"dm-sync/internal/remote"
)

// Page is the result of one backward pagination step. AnchorID is the message
// that was first before the prepend, so the caller can keep it in place.
type Page struct {
	Messages []models.Message
	AnchorID string
	HasMore  bool
}

// LoadOlder prepends up to PageSize messages older than the oldest loaded one.
// Once a short page has been seen it returns empty pages without a remote call,
// and a call made while another is in flight returns an empty page.
func (s *Session) LoadOlder(ctx context.Context) (Page, error) {
	st, conv, err := s.current()
	if err != nil {
		return Page{}, err
	}

	s.mu.Lock()
	if !s.hasMore || s.loadingOlder {
		page := Page{HasMore: s.hasMore}
		s.mu.Unlock()
		return page, nil
	}
	s.loadingOlder = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.loadingOlder = false
		s.mu.Unlock()
	}()

	cursor, ok := st.Oldest()
	if !ok {
		s.mu.Lock()
		s.hasMore = false
		s.mu.Unlock()
		return Page{}, nil
	}

	ctx, span := observability.StartSpan(ctx, "dm.load_older", conv.ID, cursor.ID)
	defer span.End()

	docs, err := s.stream.Page(ctx, conv.ID, cursor, s.opts.PageSize)
	if err != nil {
		span.RecordError(err)
		return Page{HasMore: true}, remote.Wrap("load_older", "", err)
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return Page{}, ErrNotBound
	}
	added, invalid := st.MergePage(docs)
	if len(docs) < s.opts.PageSize {
		s.hasMore = false
	}
	hasMore := s.hasMore
	s.mu.Unlock()

	observability.AddInvalidDocuments(invalid)
	s.log.Debug("page_loaded", zap.Int("fetched", len(docs)), zap.Int("added", len(added)), zap.Bool("has_more", hasMore))

	page := Page{Messages: added, AnchorID: cursor.ID, HasMore: hasMore}
	s.emit(models.ChatEvent{Type: "page", Messages: added, AnchorID: cursor.ID, Count: len(added), HasMore: &hasMore})
	return page, nil
}
