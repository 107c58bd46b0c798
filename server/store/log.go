// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package store

import (
	"github.com/dgraph-io/badger"

	"github.com/opwallet/sponsord/relay"
)

// badgerLoggerWrapper wraps relay.Logger and translates Warnf to Warningf to
// satisfy badger.Logger. It also lowers the log level of Infof to Debugf and
// Debugf to Tracef.
type badgerLoggerWrapper struct {
	relay.Logger
}

var _ badger.Logger = (*badgerLoggerWrapper)(nil)

// Debugf -> relay.Logger.Tracef
func (log *badgerLoggerWrapper) Debugf(s string, a ...any) {
	log.Tracef(s, a...)
}

// Infof -> relay.Logger.Debugf
func (log *badgerLoggerWrapper) Infof(s string, a ...any) {
	log.Debugf(s, a...)
}

// Warningf -> relay.Logger.Warnf
func (log *badgerLoggerWrapper) Warningf(s string, a ...any) {
	log.Warnf(s, a...)
}
