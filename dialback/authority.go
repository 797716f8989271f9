// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dialback

import (
	"context"
	"log/slog"

	"github.com/bureau-foundation/xmppd/lib/digest"
	"github.com/bureau-foundation/xmppd/xmpp"
)

// Authority plays the authoritative role. It holds no state between
// requests.
type Authority struct {
	secrets Secrets
	digest  digest.Func
	domains DomainTable
	logger  *slog.Logger
}

// NewAuthority returns the authoritative role. Options.Secrets and
// Options.Domains are required.
func NewAuthority(options Options) (*Authority, error) {
	options = options.withDefaults()
	if options.Secrets == nil {
		return nil, errNoSecrets
	}
	if options.Domains == nil {
		return nil, errNoDomains
	}
	return &Authority{
		secrets: options.Secrets,
		digest:  options.Digest,
		domains: options.Domains,
		logger:  options.Logger,
	}, nil
}

// VerifyReceivedKey answers a <db:verify/> on stream and closes it.
// It reports whether the key was genuine.
func (a *Authority) VerifyReceivedKey(ctx context.Context, stream *xmpp.Stream, verify *xmpp.Element) (bool, error) {
	defer stream.Close()

	reply, dialbackError := a.answer(ctx, verify)
	if dialbackError != nil {
		stream.WriteError(xmpp.NewStreamError(dialbackError.Condition, ""))
		return false, dialbackError
	}
	if err := stream.WriteElement(reply); err != nil {
		return false, err
	}
	return reply.Attr("type") == typeValid, nil
}

// answer builds the reply to verify without touching any connection.
func (a *Authority) answer(ctx context.Context, verify *xmpp.Element) (*xmpp.Element, *Error) {
	local := xmpp.FoldDomain(verify.Attr("to"))
	receiving := xmpp.FoldDomain(verify.Attr("from"))
	id := verify.Attr("id")

	switch {
	case receiving == "":
		return nil, newError(xmpp.InvalidFrom, "db:verify without from")
	case id == "":
		return nil, newError(xmpp.InvalidID, "db:verify without id")
	case !serves(a.domains, local):
		a.logger.Warn("verify request for a domain not served here",
			"local_domain", local,
			"receiving_domain", receiving,
		)
		return nil, newError(xmpp.HostUnknown, "%s is not served here", local)
	}

	secret, err := a.secrets.GetOrCreate(ctx)
	if err != nil {
		a.logger.Error("dialback secret unavailable", "error", err)
		return nil, &Error{Condition: xmpp.InternalServerError, Cause: err}
	}
	valid := digest.Equal(a.digest(id, secret), keyOf(verify))
	a.logger.Info("answered verify request",
		"local_domain", local,
		"receiving_domain", receiving,
		"stream_id", id,
		"valid", valid,
	)
	return verifyReply(local, receiving, id, valid), nil
}
