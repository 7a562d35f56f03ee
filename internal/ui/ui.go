// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ui prints operator-facing CLI output, colorized when stderr is
// a terminal.
package ui

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

var (
	successColor = color.New(color.FgGreen)
	errorColor   = color.New(color.FgRed, color.Bold)
	warnColor    = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
)

func init() {
	if !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		color.NoColor = true
	}
}

// Successf prints a green confirmation line to stderr.
func Successf(format string, args ...any) {
	successColor.Fprintf(os.Stderr, format+"\n", args...)
}

// Errorf prints a red error line to stderr.
func Errorf(format string, args ...any) {
	errorColor.Fprintf(os.Stderr, format+"\n", args...)
}

// Warnf prints a yellow warning line to stderr.
func Warnf(format string, args ...any) {
	warnColor.Fprintf(os.Stderr, format+"\n", args...)
}

// Infof prints a cyan informational line to stderr.
func Infof(format string, args ...any) {
	infoColor.Fprintf(os.Stderr, format+"\n", args...)
}

// Fatalf prints a red error line and exits with status 1.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	os.Exit(1)
}

// Plainf prints an uncolored line to stderr.
func Plainf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}
