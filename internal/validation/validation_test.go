package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidIdentifier(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"player_1", true},
		{"starter-case", true},
		{"A", true},
		{"rwd_0123456789abcdef01234567", true},
		{strings.Repeat("a", 64), true},

		{"", false},
		{"_leading", false},
		{"-leading", false},
		{"has space", false},
		{"semi;colon", false},
		{"quote'", false},
		{strings.Repeat("a", 65), false},
		{"ünicode", false},
	}

	for _, tc := range tests {
		if got := IsValidIdentifier(tc.id); got != tc.valid {
			t.Errorf("IsValidIdentifier(%q) = %v, want %v", tc.id, got, tc.valid)
		}
	}
}

func TestIsValidAmount(t *testing.T) {
	tests := []struct {
		n, max int64
		valid  bool
	}{
		{0, 100, true},
		{100, 100, true},
		{101, 100, false},
		{-1, 100, false},
	}
	for _, tc := range tests {
		if got := IsValidAmount(tc.n, tc.max); got != tc.valid {
			t.Errorf("IsValidAmount(%d, %d) = %v, want %v", tc.n, tc.max, got, tc.valid)
		}
	}
}

func TestIsSafeText(t *testing.T) {
	safe := []string{
		"Great drop!",
		"I'd open another one",
		"order by rarity, then select the best",
		"Tom & Jerry",
	}
	unsafe := []string{
		"' OR '1'='1",
		"admin' --",
		"x or 1=1",
		"1 UNION ALL SELECT password FROM users",
		"name; DROP TABLE accounts",
		"<script>alert(1)</script>",
		"javascript:alert(1)",
		`<img src=x onerror=alert(1)>`,
		"a /* hidden */ b",
		"nul\x00byte",
	}

	for _, s := range safe {
		if !IsSafeText(s) {
			t.Errorf("IsSafeText(%q) = false, want true", s)
		}
	}
	for _, s := range unsafe {
		if IsSafeText(s) {
			t.Errorf("IsSafeText(%q) = true, want false", s)
		}
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"  hello  ", "hello"},
		{"<b>bold</b>", "&lt;b&gt;bold&lt;/b&gt;"},
		{`say "hi" & 'bye'`, "say &quot;hi&quot; &amp; &#39;bye&#39;"},
		{"null\x00byte", "nullbyte"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := Sanitize(tc.input); got != tc.expected {
			t.Errorf("Sanitize(%q) = %q, want %q", tc.input, got, tc.expected)
		}
	}
}

func TestSanitize_Truncates(t *testing.T) {
	long := strings.Repeat("é", MaxTextLength+50)
	got := Sanitize(long)
	if n := len([]rune(got)); n != MaxTextLength {
		t.Errorf("expected %d runes, got %d", MaxTextLength, n)
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	errs := Validate(
		ValidIdentifier("actor_id", "bad id"),
		ValidIdentifier("container_id", "starter"),
		ValidAmount("expected_value", -5, 100),
		SafeText("note", "' OR 1=1 --"),
		MaxLength("name", "abcdef", 3),
	)
	if len(errs) != 4 {
		t.Fatalf("expected 4 errors, got %d: %v", len(errs), errs)
	}
	if errs[0].Field != "actor_id" {
		t.Errorf("expected first error on actor_id, got %s", errs[0].Field)
	}
	if errs.Error() == "" {
		t.Error("expected non-empty error string")
	}
	if (ValidationErrors{}).Error() != "validation failed" {
		t.Error("unexpected empty errors message")
	}
}

func TestIdentifierParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/actors/:actor", IdentifierParamMiddleware("actor"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	tests := []struct {
		path string
		want int
	}{
		{"/actors/player_1", http.StatusOK},
		{"/actors/bad;id", http.StatusBadRequest},
		{"/actors/" + strings.Repeat("x", 70), http.StatusBadRequest},
	}
	for _, tc := range tests {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tc.path, nil))
		if w.Code != tc.want {
			t.Errorf("GET %s = %d, want %d", tc.path, w.Code, tc.want)
		}
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"actor_id":"player_1"}`)))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", w.Code)
	}
}
