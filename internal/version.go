package internal

// Version is the current version of the scrutin-node binaries. It is set
// at build time with -ldflags "-X github.com/vocdoni/scrutin-node/internal.Version=v1.2.3".
var Version = "dev"
