// Package wallet provides signing sessions for the provisioning workflow.
//
// A signing session is the user-controlled capability to sign transactions.
// KeyedSession signs with a locally held key and is used by the command line
// tool and in tests. RelaySession hands each transaction to an external wallet
// (usually the browser UI) and blocks until the signed transaction or a
// rejection is posted back.
package wallet
