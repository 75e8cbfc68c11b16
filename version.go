package main

// Build metadata, overridden at build time via -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	Commit    = ""
	BuildTime = ""
)
