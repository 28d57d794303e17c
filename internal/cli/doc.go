// Package cli parses the command line into a resolved app.Config. Settings
// layer as flag > config file > environment; the config file and .env are
// loaded here so the app receives final values only.
package cli
