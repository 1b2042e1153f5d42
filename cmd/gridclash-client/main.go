package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"gridclash/client"
	"gridclash/metrics"
)

func main() {
	cfg := client.DefaultConfig()
	flag.StringVar(&cfg.ServerAddr, "server", cfg.ServerAddr, "server address")
	flag.DurationVar(&cfg.RetryInterval, "retry", cfg.RetryInterval, "event retry interval")
	flag.IntVar(&cfg.MaxRetries, "retries", cfg.MaxRetries, "max event retries before giving up")
	metricsPath := flag.String("metrics", "", "metrics database path (empty to disable)")
	flag.Parse()

	var sink metrics.Sink = metrics.Nop{}
	var recorder *metrics.Recorder
	if *metricsPath != "" {
		rec, err := metrics.Open(*metricsPath)
		if err != nil {
			log.Fatalf("open metrics db: %v", err)
		}
		recorder = rec
		sink = rec
	}

	cfg.OnEventFailed = func(eventID uint32, row, col int) {
		fmt.Printf("event %d for (%d,%d) failed: no ack from server\n", eventID, row, col)
	}
	c, err := client.Dial(cfg, sink)
	if err != nil {
		log.Fatalf("connect to %s: %v", cfg.ServerAddr, err)
	}

	fmt.Println("commands:")
	fmt.Println("  row col   acquire a cell")
	fmt.Println("  grid      print the grid")
	fmt.Println("  stat      print connection status")
	fmt.Println("  q         quit")

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "q" || line == "quit" || line == "exit":
			c.Close()
			if recorder != nil {
				recorder.Stop()
			}
			return
		case line == "grid":
			printGrid(c)
		case line == "stat":
			printStatus(c)
		default:
			handleAcquire(c, line)
		}
		fmt.Print("> ")
	}
	c.Close()
	if recorder != nil {
		recorder.Stop()
	}
}

func handleAcquire(c *client.Client, line string) {
	parts := strings.Fields(line)
	if len(parts) != 2 {
		fmt.Println("use: row col")
		return
	}
	row, err1 := strconv.Atoi(parts[0])
	col, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		fmt.Println("row and col must be integers")
		return
	}
	id, err := c.Acquire(row, col)
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Printf("event %d sent for (%d,%d)\n", id, row, col)
}

func printGrid(c *client.Client) {
	n, grid := c.Grid()
	if n == 0 {
		fmt.Println("no snapshot received yet")
		return
	}
	for row := 0; row < n; row++ {
		var b strings.Builder
		for col := 0; col < n; col++ {
			owner := grid[row*n+col]
			if owner == 0 {
				b.WriteString(" .")
			} else {
				fmt.Fprintf(&b, "%2d", owner)
			}
		}
		fmt.Println(b.String())
	}
}

func printStatus(c *client.Client) {
	if id, ok := c.PlayerID(); ok {
		fmt.Printf("connected as player %d\n", id)
	} else {
		fmt.Println("connecting...")
	}
	fmt.Printf("snapshot %d | latency %dms | jitter %dms | pending %d\n",
		c.LastSnapshotID(), c.Latency(), c.Jitter(), c.PendingCount())
}
