// Package notifier formats run digests and delivers them to push channels.
//
// Delivery is all-or-nothing per channel: a channel reports true only when
// the remote service confirmed the message.
package notifier

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/proxy-watch/internal/config"
	log "github.com/sirupsen/logrus"
)

// Notifier delivers a digest and reports whether delivery was confirmed
type Notifier interface {
	Notify(ctx context.Context, title, text string) bool
}

// Fanout sends to every channel and confirms if at least one channel did
type Fanout struct {
	channels []namedNotifier
}

type namedNotifier struct {
	name string
	Notifier
}

func (f *Fanout) Notify(ctx context.Context, title, text string) bool {
	delivered := false
	for _, ch := range f.channels {
		if ch.Notify(ctx, title, text) {
			log.WithField("channel", ch.name).Info("Digest delivered")
			delivered = true
		} else {
			log.WithField("channel", ch.name).Warn("Digest not delivered")
		}
	}
	return delivered
}

// New builds the configured channels. Secrets are read from the environment
// variables the configuration names.
func New(cfg config.NotifierConfig) (*Fanout, error) {
	client := &http.Client{Timeout: 30 * time.Second}
	f := &Fanout{}

	for _, ch := range cfg.Channels {
		var n Notifier
		switch ch.Type {
		case "log":
			n = LogNotifier{}
		case "telegram":
			token, err := secret(ch.TokenEnv)
			if err != nil {
				return nil, err
			}
			chatID, err := secret(ch.ChatIDEnv)
			if err != nil {
				return nil, err
			}
			n = &TelegramNotifier{client: client, endpoint: ch.Endpoint, token: token, chatID: chatID}
		case "serverchan":
			key, err := secret(ch.TokenEnv)
			if err != nil {
				return nil, err
			}
			n = &ServerChanNotifier{client: client, endpoint: ch.Endpoint, key: key}
		case "pushplus":
			token, err := secret(ch.TokenEnv)
			if err != nil {
				return nil, err
			}
			n = &PushPlusNotifier{client: client, endpoint: ch.Endpoint, token: token}
		case "qmsg":
			key, err := secret(ch.TokenEnv)
			if err != nil {
				return nil, err
			}
			n = &QmsgNotifier{client: client, endpoint: ch.Endpoint, key: key, qq: os.Getenv(ch.ChatIDEnv)}
		default:
			return nil, fmt.Errorf("unknown notifier channel type %q", ch.Type)
		}
		f.channels = append(f.channels, namedNotifier{name: ch.Type, Notifier: n})
	}

	return f, nil
}

func secret(env string) (string, error) {
	v := os.Getenv(env)
	if v == "" {
		return "", fmt.Errorf("environment variable %s is not set", env)
	}
	return v, nil
}
