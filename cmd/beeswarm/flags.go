package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

type GlobalFlags struct {
	ConfigPath string
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
}

type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
	// NonBlocking shuts down as soon as everything is up; used by tests.
	NonBlocking bool
}

type StartFlags struct {
	Dir string
}

type StopFlags struct {
	Force bool
}

type LogsFlags struct {
	Limit  int
	Follow bool
}

type HealthFlags struct {
	Check bool
}

type ActiveFlags struct {
	Clear bool
}
