package rangeslice

import (
	"errors"
	"net/http/httptest"
	"testing"
)

func TestParseRange_BoundedSlice(t *testing.T) {
	r, err := ParseRange("bytes=0-999", 10000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Start != 0 || r.End != 999 || r.Total != 10000 {
		t.Errorf("got %+v, want {0 999 10000}", r)
	}
}

func TestParseRange_ClampsEndToTotalMinusOne(t *testing.T) {
	r, err := ParseRange("bytes=0-99999", 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.End != 999 {
		t.Errorf("End = %d, want 999", r.End)
	}
}

func TestParseRange_OpenEnded(t *testing.T) {
	r, err := ParseRange("bytes=500-", 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Start != 500 || r.End != 999 {
		t.Errorf("got %+v, want start=500 end=999", r)
	}
}

func TestParseRange_SuffixForm(t *testing.T) {
	r, err := ParseRange("bytes=-100", 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Start != 900 || r.End != 999 {
		t.Errorf("got %+v, want start=900 end=999", r)
	}
}

func TestParseRange_SuffixLargerThanTotal(t *testing.T) {
	r, err := ParseRange("bytes=-5000", 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Start != 0 || r.End != 999 {
		t.Errorf("got %+v, want start=0 end=999", r)
	}
}

func TestParseRange_SuffixZeroInvalid(t *testing.T) {
	_, err := ParseRange("bytes=-0", 1000)
	if !errors.Is(err, ErrUnsatisfiable) {
		t.Errorf("got %v, want ErrUnsatisfiable", err)
	}
}

func TestParseRange_StartBeyondTotalInvalid(t *testing.T) {
	_, err := ParseRange("bytes=1000-1001", 1000)
	if !errors.Is(err, ErrUnsatisfiable) {
		t.Errorf("got %v, want ErrUnsatisfiable", err)
	}
}

func TestParseRange_StartAfterEndInvalid(t *testing.T) {
	_, err := ParseRange("bytes=500-100", 1000)
	if !errors.Is(err, ErrUnsatisfiable) {
		t.Errorf("got %v, want ErrUnsatisfiable", err)
	}
}

func TestParseRange_TotalZeroInvalid(t *testing.T) {
	_, err := ParseRange("bytes=0-10", 0)
	if !errors.Is(err, ErrUnsatisfiable) {
		t.Errorf("got %v, want ErrUnsatisfiable", err)
	}
}

func TestParseRange_NonBytesUnitRejected(t *testing.T) {
	_, err := ParseRange("items=0-10", 1000)
	if !errors.Is(err, ErrNotARange) {
		t.Errorf("got %v, want ErrNotARange", err)
	}
}

func TestParseRange_EmptyHeaderIsNotARange(t *testing.T) {
	_, err := ParseRange("", 1000)
	if !errors.Is(err, ErrNotARange) {
		t.Errorf("got %v, want ErrNotARange", err)
	}
}

func TestParseRange_SingleBytePointRange(t *testing.T) {
	r, err := ParseRange("bytes=0-0", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Start != 0 || r.End != 0 || r.Total != 1 {
		t.Errorf("got %+v, want {0 0 1}", r)
	}
}

func TestParseRange_RoundTrip(t *testing.T) {
	const total = int64(10000)
	cases := []struct{ a, b int64 }{
		{0, 0}, {0, total - 1}, {123, 456}, {total - 1, total - 1},
	}
	for _, c := range cases {
		r, err := ParseRange(fmtBytes(c.a, c.b), total)
		if err != nil {
			t.Fatalf("ParseRange(%d-%d) unexpected error: %v", c.a, c.b, err)
		}
		if r.Start != c.a || r.End != c.b || r.Total != total {
			t.Errorf("ParseRange(%d-%d) = %+v, want {%d %d %d}", c.a, c.b, r, c.a, c.b, total)
		}
	}
}

func fmtBytes(a, b int64) string {
	return "bytes=" + itoa(a) + "-" + itoa(b)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{byte('0' + n%10)}, buf...)
		n /= 10
	}
	return string(buf)
}

func TestWritePartial_SetsHeadersAndBody(t *testing.T) {
	body := make([]byte, 10000)
	rec := httptest.NewRecorder()
	r := &Range{Start: 0, End: 999, Total: 10000}

	WritePartial(rec, r, body, "video/mp4")

	if rec.Code != 206 {
		t.Errorf("status = %d, want 206", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 0-999/10000" {
		t.Errorf("Content-Range = %q", got)
	}
	if got := rec.Header().Get("Content-Length"); got != "1000" {
		t.Errorf("Content-Length = %q, want 1000", got)
	}
	if got := rec.Header().Get("Accept-Ranges"); got != "bytes" {
		t.Errorf("Accept-Ranges = %q, want bytes", got)
	}
	if got := rec.Header().Get("X-Range-Handled-By"); got != HandlerName {
		t.Errorf("X-Range-Handled-By = %q", got)
	}
	if rec.Body.Len() != 1000 {
		t.Errorf("body length = %d, want 1000", rec.Body.Len())
	}
}

func TestWriteUnsatisfiable(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteUnsatisfiable(rec, 10000)

	if rec.Code != 416 {
		t.Errorf("status = %d, want 416", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes */10000" {
		t.Errorf("Content-Range = %q", got)
	}
}
