package main

import (
	"fmt"
	"os"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage: bleep <command> [args]

commands:
  scan <passive|naggy|pokey|brute> [seconds] [target-mac]
  enum <passive|naggy|pokey|brute> <mac>
  sweep <passive|naggy|pokey|brute> <mac> [mac...]
  brute <mac> <char-uuid> <payload-spec> [--verify] [--force]
  sdp <mac> [--analyze]
  pbap <mac> [dest-folder]
  agent [capability]
  pair <mac> [capability]
  bonds
  translate <uuid>
  routes <list|save|load|delete> [name]
  ctf [mac]`)
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	var err error
	switch os.Args[1] {
	case "scan":
		err = runScan(os.Args[2:])
	case "enum":
		err = runEnum(os.Args[2:])
	case "sweep":
		err = runSweep(os.Args[2:])
	case "brute":
		err = runBrute(os.Args[2:])
	case "sdp":
		err = runSDP(os.Args[2:])
	case "pbap":
		err = runPBAP(os.Args[2:])
	case "agent":
		err = runAgent(os.Args[2:])
	case "pair":
		err = runPair(os.Args[2:])
	case "bonds":
		err = runBonds()
	case "translate":
		err = runTranslate(os.Args[2:])
	case "routes":
		err = runRoutes(os.Args[2:])
	case "ctf":
		err = runCTF(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
