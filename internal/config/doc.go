// Package config loads the optional HCL settings file and the .env
// environment. Settings resolve with flag > file > environment precedence;
// this package only supplies the file and environment layers, the CLI folds
// in the flags.
package config
