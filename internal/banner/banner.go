package banner

import (
	"fmt"
	"strings"
)

const logo = `
======================================================================
  ____      _ _ ____            _       _
 / ___|__ _| | / ___|  ___ _ __(_)_ __ | |_
| |   / _` + "`" + ` | | \___ \ / __| '__| | '_ \| __|
| |__| (_| | | |___) | (__| |  | | |_) | |_
 \____\__,_|_|_|____/ \___|_|  |_| .__/ \__|
                                 |_|
----------------------------------------------------------------------`

const footer = `======================================================================`

// ConfigLine represents a single configuration line to display
type ConfigLine struct {
	Label string
	Value string
}

// Print displays the startup banner with the service name and configuration
func Print(serviceName string, config []ConfigLine) {
	fmt.Println(logo)
	fmt.Printf("%s\n", serviceName)

	// Find max label length for alignment
	maxLen := 0
	for _, c := range config {
		if len(c.Label) > maxLen {
			maxLen = len(c.Label)
		}
	}

	// Print config lines with alignment
	for _, c := range config {
		padding := strings.Repeat(" ", maxLen-len(c.Label))
		fmt.Printf("  %s%s : %s\n", c.Label, padding, c.Value)
	}

	fmt.Println()
	fmt.Println("Ready.")
	fmt.Println(footer)
	fmt.Println()
}
