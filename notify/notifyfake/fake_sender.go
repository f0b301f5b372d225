// Package notifyfake provides an in-memory notify.Sender for tests.
package notifyfake

import (
	"context"
	"sync"

	"github.com/cds-snc/forms-idp-login/notify"
)

var _ notify.Sender = (*FakeSender)(nil)

type SentEmail struct {
	ToAddress       string
	TemplateID      string
	Personalisation map[string]string
}

type FakeSender struct {
	lock sync.Mutex
	sent []SentEmail

	// Err, when set, is returned by every Send call.
	Err error
}

func NewFakeSender() *FakeSender {
	return &FakeSender{}
}

func (f *FakeSender) Send(_ context.Context, toAddress, templateID string, personalisation map[string]string) error {
	if f.Err != nil {
		return f.Err
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	f.sent = append(f.sent, SentEmail{
		ToAddress:       toAddress,
		TemplateID:      templateID,
		Personalisation: personalisation,
	})
	return nil
}

// Sent returns a copy of everything delivered so far.
func (f *FakeSender) Sent() []SentEmail {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]SentEmail(nil), f.sent...)
}
