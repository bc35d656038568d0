package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/proxy-watch/internal/aggregator"
	"github.com/proxy-watch/internal/config"
	"github.com/proxy-watch/internal/snapshot"
	"github.com/proxy-watch/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigestFormat(t *testing.T) {
	summary := aggregator.Aggregate([]types.ProbeOutcome{
		{Endpoint: types.Endpoint{Host: "1.1.1.1", Port: 1080, Protocol: types.SOCKS5, Category: "SG"}, Reachable: true, ProtocolOK: true, LatencyMs: 100},
		{Endpoint: types.Endpoint{Host: "2.2.2.2", Port: 80, Protocol: types.HTTP, Category: "US"}, LatencyMs: types.NoLatency, ErrorClass: types.ErrTimeout},
	})

	d := Digest{
		Title:   "Proxies <daily>",
		Time:    time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
		Summary: summary,
		New: map[string][]snapshot.Entry{
			"US": {{IPPort: "3.3.3.3:8080", IP: "3.3.3.3", Port: 8080, Protocol: "http", Ping: 250}},
			"SG": {
				{IPPort: "1.1.1.1:1080", IP: "1.1.1.1", Port: 1080, Protocol: "socks5", Ping: 300},
				{IPPort: "4.4.4.4:1080", IP: "4.4.4.4", Port: 1080, Protocol: "socks5", Ping: 100},
			},
		},
		Stable: map[string][]snapshot.Entry{
			"DE": {{IPPort: "5.5.5.5:3128", IP: "5.5.5.5", Port: 3128, Protocol: "http"}},
		},
		Targets: []string{"US"},
	}

	want := strings.Join([]string{
		"<b>Proxies &lt;daily&gt;</b> 2024-05-01 08:00 UTC",
		"Tested 2, ok 1, failed 1, avg 100 ms",
		"",
		"<b>New</b>",
		"<b>US</b> (1)",
		"<code>http://3.3.3.3:8080</code> 250 ms",
		"<b>SG</b> (2)",
		`<a href="tg://socks?server=4.4.4.4&amp;port=1080">4.4.4.4:1080</a> 100 ms`,
		`<a href="tg://socks?server=1.1.1.1&amp;port=1080">1.1.1.1:1080</a> 300 ms`,
		"",
		"<b>Stable</b>",
		"<b>DE</b> (1)",
		"<code>http://5.5.5.5:3128</code>",
	}, "\n")

	assert.Equal(t, want, d.Format())
}

func TestDigestCap(t *testing.T) {
	d := Digest{
		Title: "t",
		New: map[string][]snapshot.Entry{"SG": {
			{IPPort: "1.1.1.1:80", Protocol: "http", Ping: 1},
			{IPPort: "1.1.1.2:80", Protocol: "http", Ping: 2},
			{IPPort: "1.1.1.3:80", Protocol: "http", Ping: 3},
		}},
		MaxPerCategory: 2,
	}

	out := d.Format()
	assert.Contains(t, out, "<b>SG</b> (3)")
	assert.Contains(t, out, "1.1.1.2:80")
	assert.NotContains(t, out, "1.1.1.3:80")
	assert.True(t, strings.HasSuffix(out, "… and 1 more"))
}

func TestDigestNoSuccesses(t *testing.T) {
	d := Digest{Title: "t", Summary: aggregator.Aggregate(nil)}
	assert.Equal(t, "<b>t</b>\nTested 0, ok 0, failed 0, avg n/a", d.Format())
}

func TestDigestEscapesHostileEntries(t *testing.T) {
	d := Digest{Title: "t", New: map[string][]snapshot.Entry{"<X>": {{IPPort: "evil<b>:80"}}}}
	out := d.Format()
	assert.Contains(t, out, "<b>&lt;X&gt;</b> (1)")
	assert.Contains(t, out, "<code>evil&lt;b&gt;:80</code>")
}

func TestStripTags(t *testing.T) {
	assert.Equal(t, `A & B 1.1.1.1:80 <x>`, StripTags(`<b>A &amp; B</b> <code>1.1.1.1:80</code> &lt;x&gt;`))
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"abc\nde", "fgh"}, splitMessage("abc\nde\nfgh", 6))
	assert.Equal(t, []string{"abcd", "ef\ng"}, splitMessage("abcdef\ng", 4))
	assert.Equal(t, []string{"short"}, splitMessage("short", 4096))
	for _, part := range splitMessage(strings.Repeat("line of text\n", 1000), telegramMaxText) {
		assert.LessOrEqual(t, len([]rune(part)), telegramMaxText)
	}
}

type fakeTelegram struct {
	mu       sync.Mutex
	messages []string
	ok       bool
	status   int
}

func (f *fakeTelegram) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "42", r.PostForm.Get("chat_id"))
		assert.Equal(t, "HTML", r.PostForm.Get("parse_mode"))

		f.mu.Lock()
		f.messages = append(f.messages, r.PostForm.Get("text"))
		f.mu.Unlock()

		w.WriteHeader(f.status)
		json.NewEncoder(w).Encode(map[string]interface{}{"ok": f.ok, "description": "test"})
	}
}

func TestTelegramNotifier(t *testing.T) {
	tests := []struct {
		name   string
		ok     bool
		status int
		want   bool
	}{
		{"confirmed", true, http.StatusOK, true},
		{"ok false", false, http.StatusOK, false},
		{"http error", true, http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeTelegram{ok: tt.ok, status: tt.status}
			srv := httptest.NewServer(fake.handler(t))
			defer srv.Close()

			n := &TelegramNotifier{client: srv.Client(), endpoint: srv.URL, token: "TOKEN", chatID: "42"}
			assert.Equal(t, tt.want, n.Notify(context.Background(), "title", "<b>hello</b>"))
			assert.Equal(t, []string{"<b>hello</b>"}, fake.messages)
		})
	}
}

func TestTelegramNotifierSplitsLongDigest(t *testing.T) {
	fake := &fakeTelegram{ok: true, status: http.StatusOK}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	n := &TelegramNotifier{client: srv.Client(), endpoint: srv.URL, token: "TOKEN", chatID: "42"}
	text := strings.Repeat("<code>1.1.1.1:8080</code> 100 ms\n", 300)
	require.True(t, n.Notify(context.Background(), "title", text))
	assert.Greater(t, len(fake.messages), 1)
}

func TestTelegramNotifierUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	n := &TelegramNotifier{client: http.DefaultClient, endpoint: srv.URL, token: "TOKEN", chatID: "42"}
	assert.False(t, n.Notify(context.Background(), "title", "text"))
}

func TestSimpleChannels(t *testing.T) {
	var got []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case strings.HasSuffix(r.URL.Path, "/KEY.send"):
			require.NoError(t, r.ParseForm())
			got = append(got, "serverchan:"+r.PostForm.Get("title"))
		case r.URL.Path == "/pushplus":
			var payload map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			got = append(got, "pushplus:"+payload["token"]+":"+payload["template"])
		case r.URL.Path == "/qmsg/KEY":
			require.NoError(t, r.ParseForm())
			got = append(got, "qmsg:"+r.PostForm.Get("msg")+":"+r.PostForm.Get("qq"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	assert.True(t, (&ServerChanNotifier{client: srv.Client(), endpoint: srv.URL, key: "KEY"}).Notify(ctx, "digest", "<b>x</b>"))
	assert.True(t, (&PushPlusNotifier{client: srv.Client(), endpoint: srv.URL + "/pushplus", token: "TOK"}).Notify(ctx, "digest", "x"))
	assert.True(t, (&QmsgNotifier{client: srv.Client(), endpoint: srv.URL + "/qmsg", key: "KEY", qq: "10001"}).Notify(ctx, "digest", "<b>x</b>"))
	assert.False(t, (&QmsgNotifier{client: srv.Client(), endpoint: srv.URL + "/other", key: "KEY"}).Notify(ctx, "digest", "x"))

	assert.Equal(t, []string{"serverchan:digest", "pushplus:TOK:html", "qmsg:x:10001"}, got)
}

type stubNotifier bool

func (s stubNotifier) Notify(context.Context, string, string) bool {
	return bool(s)
}

func TestFanout(t *testing.T) {
	none := &Fanout{channels: []namedNotifier{{"a", stubNotifier(false)}, {"b", stubNotifier(false)}}}
	assert.False(t, none.Notify(context.Background(), "t", "x"))

	one := &Fanout{channels: []namedNotifier{{"a", stubNotifier(false)}, {"b", stubNotifier(true)}}}
	assert.True(t, one.Notify(context.Background(), "t", "x"))

	assert.False(t, (&Fanout{}).Notify(context.Background(), "t", "x"))
}

func TestNewFromConfig(t *testing.T) {
	t.Setenv("PW_TG_TOKEN", "token")
	t.Setenv("PW_TG_CHAT", "42")

	f, err := New(config.NotifierConfig{Channels: []config.Channel{
		{Type: "log"},
		{Type: "telegram", TokenEnv: "PW_TG_TOKEN", ChatIDEnv: "PW_TG_CHAT"},
	}})
	require.NoError(t, err)
	require.Len(t, f.channels, 2)
	assert.True(t, LogNotifier{}.Notify(context.Background(), "t", "x"))

	_, err = New(config.NotifierConfig{Channels: []config.Channel{{Type: "pushplus", TokenEnv: "PW_UNSET_TOKEN"}}})
	assert.Error(t, err)
}
