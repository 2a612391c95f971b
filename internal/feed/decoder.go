package feed

import (
	sberrors "github.com/sightline/sightline/internal/errors"
	"github.com/sightline/sightline/pkg/types"
)

// DecodeRawEvent unwraps a change record's new image into a RawEvent.
// It returns a DECODE error for records that cannot be interpreted; field
// absence degrades to zero values instead of failing wherever the pipeline
// can still make use of the event.
func DecodeRawEvent(rec *ChangeRecord) (*types.RawEvent, error) {
	if rec.NewImage == nil {
		return nil, sberrors.NewDecodeError(sberrors.CodeMalformedRecord, "change record has no new image")
	}

	img := rec.NewImage

	ts, ok := img["timestamp"].AsInt64()
	if !ok {
		return nil, sberrors.NewDecodeError(sberrors.CodeMissingField, "new image has no usable timestamp")
	}

	ev := &types.RawEvent{
		EventID:   stringField(img, "eventId"),
		SiteID:    stringField(img, "siteId"),
		SessionID: stringField(img, "sessionId"),
		VisitorID: stringField(img, "visitorId"),
		EventType: stringField(img, "eventType"),
		IP:        stringField(img, "ip"),
		UserAgent: stringField(img, "userAgent"),
		Timestamp: ts,
		URL:       stringField(img, "url"),
		Path:      stringField(img, "path"),
	}

	if ev.SiteID == "" {
		return nil, sberrors.NewDecodeError(sberrors.CodeMissingField, "new image has no siteId")
	}
	if ev.SessionID == "" {
		return nil, sberrors.NewDecodeError(sberrors.CodeMissingField, "new image has no sessionId")
	}

	if browser, ok := img["browser"].AsMap(); ok {
		ev.Browser = decodeBrowser(browser)
	}

	if page, ok := img["page"].AsMap(); ok {
		ev.Page = types.PageInfo{
			Title:    stringField(page, "title"),
			Referrer: stringField(page, "referrer"),
		}
	}

	if attr, ok := img["attribution"].AsMap(); ok {
		ev.Attribution = &types.Attribution{
			Source:   stringField(attr, "source"),
			Medium:   stringField(attr, "medium"),
			Campaign: stringField(attr, "campaign"),
			Category: stringField(attr, "category"),
		}
	}

	if data, ok := img["data"].AsMap(); ok {
		ev.Data = NativeMap(data)
	}

	return ev, nil
}

func decodeBrowser(m map[string]Value) types.BrowserSignals {
	s := types.BrowserSignals{
		Timezone: stringField(m, "timezone"),
		Language: stringField(m, "language"),
	}
	if n, ok := m["screenWidth"].AsInt64(); ok {
		s.ScreenWidth = int(n)
	}
	if n, ok := m["screenHeight"].AsInt64(); ok {
		s.ScreenHeight = int(n)
	}
	if n, ok := m["viewportWidth"].AsInt64(); ok {
		s.ViewportWidth = int(n)
	}
	if n, ok := m["viewportHeight"].AsInt64(); ok {
		s.ViewportHeight = int(n)
	}
	if f, ok := m["devicePixelRatio"].AsFloat64(); ok {
		s.DevicePixelRatio = f
	}
	return s
}

func stringField(m map[string]Value, key string) string {
	s, _ := m[key].AsString()
	return s
}
