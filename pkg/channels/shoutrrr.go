package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/ogulcanaydogan/costalert/pkg/model"
	"github.com/ogulcanaydogan/costalert/pkg/resilience"
)

// ShoutrrrPublisher sends email or SMS through shoutrrr service URLs
// (smtp://, twilio://, generic:// and so on).
type ShoutrrrPublisher struct {
	channel  model.Channel
	provider string
	sender   *router.ServiceRouter
}

// NewShoutrrrPublisher builds a sender for urls. The provider name is taken from the first
// URL's scheme.
func NewShoutrrrPublisher(channel model.Channel, urls []string, timeout time.Duration) (*ShoutrrrPublisher, error) {
	if channel != model.ChannelEmail && channel != model.ChannelSMS && channel != model.ChannelChat {
		return nil, fmt.Errorf("shoutrrr cannot serve channel %q", channel)
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("%s: at least one shoutrrr url is required", channel)
	}

	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		// the raw error can echo credentials embedded in the url
		return nil, fmt.Errorf("%s: invalid shoutrrr url (scheme %q)", channel, scheme(urls[0]))
	}
	if timeout > 0 {
		sender.Timeout = timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))

	return &ShoutrrrPublisher{channel: channel, provider: scheme(urls[0]), sender: sender}, nil
}

func (s *ShoutrrrPublisher) Channel() model.Channel { return s.channel }
func (s *ShoutrrrPublisher) Provider() string       { return s.provider }

func (s *ShoutrrrPublisher) Publish(ctx context.Context, alert model.AlertContext) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := stypes.Params{}
	var body string
	switch s.channel {
	case model.ChannelSMS:
		body = SMSText(alert)
	default:
		params.SetTitle(Title(alert))
		body = EmailBody(alert)
	}

	op := string(s.channel) + ".publish"
	var errs []error
	for _, err := range s.sender.Send(body, &params) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}

	err := errors.Join(errs...)
	if class := resilience.Classify(err); class != resilience.ClassUnknown {
		return &resilience.Error{Class: class, Op: op, Err: err}
	}
	return &resilience.Error{Op: op, Code: "SendFailed", Err: err}
}

func scheme(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return "shoutrrr"
	}
	return strings.ToLower(u.Scheme)
}
