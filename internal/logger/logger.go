package logger

import (
	"fmt"
	"strings"
	"time"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

func timestamp() string {
	return time.Now().Format("15:04:05")
}

func logLine(color, level, tag, msg string) {
	fmt.Printf("%s%s %s[%-5s]%s %s[%s]%s %s\n",
		colorGray, timestamp(), color, level, colorReset, colorCyan, tag, colorReset, msg)
}

// Info logs an informational message with a component tag.
func Info(tag, msg string) {
	logLine(colorReset, "INFO", tag, msg)
}

// Success logs a success message.
func Success(tag, msg string) {
	logLine(colorGreen, "OK", tag, msg)
}

// Warn logs a warning.
func Warn(tag, msg string) {
	logLine(colorYellow, "WARN", tag, msg)
}

// Error logs an error.
func Error(tag, msg string) {
	logLine(colorRed, "ERROR", tag, msg)
}

// Banner prints the startup banner.
func Banner(version string) {
	if version == "" {
		version = "dev"
	}
	fmt.Println()
	fmt.Printf("%s  EVE Quantum %s— personal industry planner %s(%s)%s\n",
		colorCyan, colorReset, colorGray, version, colorReset)
	fmt.Println(colorGray + strings.Repeat("─", 56) + colorReset)
}

// Section prints a section divider.
func Section(title string) {
	fmt.Printf("\n%s── %s %s%s\n", colorCyan, title, strings.Repeat("─", max(0, 50-len(title))), colorReset)
}

// Stats prints a key/value statistic line.
func Stats(key string, value interface{}) {
	fmt.Printf("   %-20s %v\n", key, value)
}
