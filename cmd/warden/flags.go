package main

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

type RunFlags struct {
	Start     bool
	Daemonize bool
	LogFile   string
	PidFile   string
}

type PruneFlags struct {
	Dir      string
	MaxFiles int
	MaxSize  string
	DryRun   bool
}

type ConfigInitFlags struct {
	Force bool
}

type HistoryFlags struct {
	Limit int
}
