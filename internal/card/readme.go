package card

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/gajzzs/cardsync/internal/config"
	"github.com/gajzzs/cardsync/internal/device"
)

var directionText = map[config.Direction]string{
	config.Bidirectional: "synchronized in both directions",
	config.ToCard:        "copied from the appliance onto this card",
	config.FromCard:      "copied from this card onto the appliance",
}

// readmeText generates the README.txt written into a freshly created
// content directory so whoever carries the card knows what belongs here.
func readmeText(name string, ct config.ContentType) string {
	var b strings.Builder

	fmt.Fprintf(&b, "This directory holds %s content.\n\n", name)
	fmt.Fprintf(&b, "Accepted file types: %s\n", strings.Join(ct.FileExtensions, ", "))

	if ct.MaxSize != "" {
		if bytes, err := device.ParseSize(ct.MaxSize); err == nil {
			fmt.Fprintf(&b, "Size limit: %s\n", humanize.IBytes(bytes))
		} else {
			fmt.Fprintf(&b, "Size limit: %s\n", ct.MaxSize)
		}
	}

	if text, ok := directionText[ct.SyncDirection]; ok {
		fmt.Fprintf(&b, "Files here are %s.\n", text)
	}

	b.WriteString("\nGenerated by cardsync.\n")
	return b.String()
}
