package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"
)

const (
	telegramAPI   = "https://api.telegram.org"
	serverChanAPI = "https://sctapi.ftqq.com"
	pushPlusAPI   = "http://www.pushplus.plus/send"
	qmsgAPI       = "https://qmsg.zendee.cn/send"

	// telegramMaxText is the sendMessage limit in characters
	telegramMaxText = 4096
)

// LogNotifier writes the digest to the log and always confirms
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, title, text string) bool {
	log.WithField("title", title).Info("Digest:\n" + text)
	return true
}

type TelegramNotifier struct {
	client   *http.Client
	endpoint string
	token    string
	chatID   string
}

// Notify sends the digest as HTML, split at line boundaries when it exceeds
// the message limit. Every part must be accepted.
func (t *TelegramNotifier) Notify(ctx context.Context, _, text string) bool {
	base := t.endpoint
	if base == "" {
		base = telegramAPI
	}
	sendURL := strings.TrimRight(base, "/") + "/bot" + t.token + "/sendMessage"

	for _, part := range splitMessage(text, telegramMaxText) {
		form := url.Values{
			"chat_id":                  {t.chatID},
			"text":                     {part},
			"parse_mode":               {"HTML"},
			"disable_web_page_preview": {"true"},
		}
		body, status, err := postForm(ctx, t.client, sendURL, form)
		if err != nil {
			log.Warnf("Telegram request failed: %v", err)
			return false
		}

		var result struct {
			OK          bool   `json:"ok"`
			Description string `json:"description"`
		}
		if err := json.Unmarshal(body, &result); err != nil || status != http.StatusOK || !result.OK {
			log.Warnf("Telegram rejected message: HTTP %d %s", status, result.Description)
			return false
		}
	}
	return true
}

type ServerChanNotifier struct {
	client   *http.Client
	endpoint string
	key      string
}

func (s *ServerChanNotifier) Notify(ctx context.Context, title, text string) bool {
	base := s.endpoint
	if base == "" {
		base = serverChanAPI
	}
	sendURL := strings.TrimRight(base, "/") + "/" + s.key + ".send"

	_, status, err := postForm(ctx, s.client, sendURL, url.Values{
		"title": {title},
		"desp":  {text},
	})
	return confirmed("serverchan", status, err)
}

type PushPlusNotifier struct {
	client   *http.Client
	endpoint string
	token    string
}

func (p *PushPlusNotifier) Notify(ctx context.Context, title, text string) bool {
	sendURL := p.endpoint
	if sendURL == "" {
		sendURL = pushPlusAPI
	}

	payload, err := json.Marshal(map[string]string{
		"token":    p.token,
		"title":    title,
		"content":  text,
		"template": "html",
	})
	if err != nil {
		return confirmed("pushplus", 0, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sendURL, bytes.NewReader(payload))
	if err != nil {
		return confirmed("pushplus", 0, err)
	}
	req.Header.Set("Content-Type", "application/json")

	_, status, err := do(p.client, req)
	return confirmed("pushplus", status, err)
}

type QmsgNotifier struct {
	client   *http.Client
	endpoint string
	key      string
	qq       string
}

var tagPattern = regexp.MustCompile(`<[^>]+>`)

// Notify sends plain text; Qmsg does not render markup
func (q *QmsgNotifier) Notify(ctx context.Context, _, text string) bool {
	base := q.endpoint
	if base == "" {
		base = qmsgAPI
	}
	sendURL := strings.TrimRight(base, "/") + "/" + q.key

	form := url.Values{"msg": {StripTags(text)}}
	if q.qq != "" {
		form.Set("qq", q.qq)
	}
	_, status, err := postForm(ctx, q.client, sendURL, form)
	return confirmed("qmsg", status, err)
}

// StripTags removes markup and decodes the entities the digest uses
func StripTags(text string) string {
	text = tagPattern.ReplaceAllString(text, "")
	return strings.NewReplacer("&lt;", "<", "&gt;", ">", "&#34;", `"`, "&#39;", "'", "&amp;", "&").Replace(text)
}

func confirmed(channel string, status int, err error) bool {
	if err != nil {
		log.Warnf("%s request failed: %v", channel, err)
		return false
	}
	if status != http.StatusOK {
		log.Warnf("%s returned HTTP %d", channel, status)
		return false
	}
	return true
}

func postForm(ctx context.Context, client *http.Client, target string, form url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return do(client, req)
}

func do(client *http.Client, req *http.Request) ([]byte, int, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// splitMessage cuts text into parts of at most limit runes, breaking between
// lines. A single longer line is cut hard.
func splitMessage(text string, limit int) []string {
	var parts []string
	var current strings.Builder
	currentLen := 0

	flush := func() {
		if currentLen > 0 {
			parts = append(parts, current.String())
			current.Reset()
			currentLen = 0
		}
	}

	for _, line := range strings.Split(text, "\n") {
		runes := []rune(line)
		for len(runes) > limit {
			flush()
			parts = append(parts, string(runes[:limit]))
			runes = runes[limit:]
		}

		need := len(runes)
		if currentLen > 0 {
			need++
		}
		if currentLen+need > limit {
			flush()
			need = len(runes)
		}
		if currentLen > 0 {
			current.WriteByte('\n')
		}
		current.WriteString(string(runes))
		currentLen += need
	}
	flush()

	if len(parts) == 0 {
		parts = []string{""}
	}
	return parts
}
