package main

import (
	"log"

	"scrumvote/services/scrumvoted"
)

func main() {
	if err := scrumvoted.Main(); err != nil {
		log.Fatalf("scrumvoted: %v", err)
	}
}
