package main

import (
	"log"

	"cgdao/services/referrald"
)

func main() {
	if err := referrald.Main(); err != nil {
		log.Fatalf("referrald: %v", err)
	}
}
