package transfer

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/surge-downloader/surgeq/internal/utils"
)

// Meta describes the stream a handle opened, reported before the first byte is written
type Meta struct {
	Offset      int64 // Byte offset this episode starts from; zero means a fresh start
	Total       int64 // Expected final size, zero when unknown
	Filename    string
	ContentType string
	Resumable   bool
}

// contentRange holds the parsed Content-Range of a 206 response
type contentRange struct {
	Start int64
	End   int64
	Total int64 // -1 when the server sent "*"
}

// parseContentRange parses "bytes START-END/TOTAL" (TOTAL may be "*")
func parseContentRange(value string) (contentRange, error) {
	cr := contentRange{Total: -1}
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "bytes ") {
		return cr, fmt.Errorf("invalid content-range %q", value)
	}
	spec := strings.TrimPrefix(value, "bytes ")

	slash := strings.LastIndex(spec, "/")
	if slash == -1 {
		return cr, fmt.Errorf("invalid content-range %q", value)
	}
	rangePart, sizePart := spec[:slash], spec[slash+1:]

	if sizePart != "*" {
		total, err := strconv.ParseInt(sizePart, 10, 64)
		if err != nil || total < 0 {
			return cr, fmt.Errorf("invalid content-range size %q", sizePart)
		}
		cr.Total = total
	}

	dash := strings.Index(rangePart, "-")
	if dash == -1 {
		return cr, fmt.Errorf("invalid content-range %q", value)
	}
	start, err := strconv.ParseInt(rangePart[:dash], 10, 64)
	if err != nil {
		return cr, fmt.Errorf("invalid content-range start: %w", err)
	}
	end, err := strconv.ParseInt(rangePart[dash+1:], 10, 64)
	if err != nil {
		return cr, fmt.Errorf("invalid content-range end: %w", err)
	}
	if start > end {
		return cr, fmt.Errorf("invalid content-range %q", value)
	}
	cr.Start, cr.End = start, end
	return cr, nil
}

// describeResponse derives stream metadata from resp given the requested offset
func describeResponse(resp *http.Response, offset int64) (Meta, error) {
	meta := Meta{
		Filename:    utils.FilenameFromHeaders(resp.Header),
		ContentType: resp.Header.Get("Content-Type"),
		Resumable:   strings.EqualFold(strings.TrimSpace(resp.Header.Get("Accept-Ranges")), "bytes"),
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		cr, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return meta, err
		}
		if cr.Start != offset {
			return meta, fmt.Errorf("server resumed at byte %d, requested %d", cr.Start, offset)
		}
		meta.Resumable = true
		meta.Offset = offset
		if cr.Total >= 0 {
			meta.Total = cr.Total
		} else if resp.ContentLength >= 0 {
			meta.Total = offset + resp.ContentLength
		}

	case http.StatusOK:
		// A 200 to a ranged request means the server ignored Range
		meta.Offset = 0
		if resp.ContentLength > 0 {
			meta.Total = resp.ContentLength
		}

	default:
		return meta, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return meta, nil
}
