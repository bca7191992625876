package app

import (
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/provider"
	"github.com/nhle/mailsync/internal/provider/generic"
	"github.com/nhle/mailsync/internal/provider/gmail"
)

// Dialers returns the registry of every supported provider dialect.
func Dialers() provider.Registry {
	return provider.Registry{
		model.ProviderGeneric: generic.Dialer{},
		model.ProviderGmail:   gmail.Dialer{},
	}
}
