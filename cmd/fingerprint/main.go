// Command fingerprint prints the device fingerprint for the current machine,
// for use when requesting or activating a device-bound license.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"

	"veridoc.org/internal/fingerprint"
)

func main() {
	log.SetFlags(0)
	verbose := flag.Bool("v", false, "print the individual components as JSON")
	flag.Parse()

	c := fingerprint.Collect()
	if *verbose {
		data, err := json.MarshalIndent(c, "", "  ")
		if err != nil {
			log.Fatalf("marshal components: %v", err)
		}
		fmt.Println(string(data))
	}
	fmt.Println(c.Digest())
}
