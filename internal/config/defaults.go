package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

const (
	listenAddr        = ":8080"
	binaryPath        = "yt-dlp"
	maxConcurrentJobs = 4
	maxRetries        = 2
	retryDelay        = 2 * time.Second
	maxJobDuration    = 5 * time.Minute
	retentionWindow   = 60 * time.Second
	sweepInterval     = 10 * time.Second
	progressInterval  = 200 * time.Millisecond
	heartbeatInterval = 30 * time.Second
	terminalGrace     = 2 * time.Second
)

var (
	downloadDir = xdg.UserDirs.Download
	dbPath      = filepath.Join(xdg.DataHome, configFileName, "jobs.db")
)
