// Package sshkeys turns the credentials of a connection profile into SSH
// authentication methods.
//
// Profiles carry either a password, a PEM-encoded private key, or both.
// [AuthMethods] converts them into the []ssh.AuthMethod expected by
// golang.org/x/crypto/ssh, trying the key first. [GenerateKeyPair] produces
// ED25519 pairs for operators seeding new profiles and for tests.
package sshkeys
