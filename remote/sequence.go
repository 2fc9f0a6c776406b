package remote

import (
	"context"
	"time"

	"github.com/c0deZ3R0/go-crm-sync/schema"
)

// ChangeSequence is a restartable listing of changed records. Nothing is
// requested until Collect runs; each run issues a fresh listing and
// reads every page before returning records.
type ChangeSequence struct {
	client     *Client
	entityType string
	watermark  time.Time
}

// EntityType returns the listed entity type.
func (s *ChangeSequence) EntityType() string { return s.entityType }

// Watermark returns the lower bound of the listing. Zero means a full listing.
func (s *ChangeSequence) Watermark() time.Time { return s.watermark }

// Collect pages through the listing and returns every record in server order.
func (s *ChangeSequence) Collect(ctx context.Context) ([]ChangeRecord, error) {
	if _, err := s.client.registry.Lookup(s.entityType); err != nil {
		return nil, err
	}

	req := EntryListRequest{
		Module:       s.entityType,
		OrderBy:      "date_modified ASC",
		SelectFields: schema.ChangeFields,
		MaxResults:   s.client.pageSize,
	}
	if !s.watermark.IsZero() {
		req.Query = changesQuery(s.entityType, s.watermark)
		req.Deleted = true
	}

	var records []ChangeRecord
	for {
		page, err := s.client.listPage(ctx, req)
		if err != nil {
			return nil, err
		}
		if page.ResultCount == 0 || len(page.Entries) == 0 {
			break
		}
		for _, f := range page.Entries {
			records = append(records, changeRecordFromFields(f))
		}

		next := page.NextOffset
		if next <= req.Offset {
			next = req.Offset + len(page.Entries)
		}
		req.Offset = next
	}

	s.client.logger.Debug("listed changes",
		"entity_type", s.entityType,
		"watermark", s.watermark,
		"count", len(records))
	return records, nil
}
