package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// runChatCommand sends one completion to a running gateway and prints the
// response. Meant for smoke-testing a deployment, not as a real client.
func runChatCommand(args []string) {
	var (
		urlFlag   = "http://localhost:8000"
		modelFlag = "gpt-5"
		noStream  bool
		prompt    string
	)

	i := 0
	for i < len(args) {
		switch args[i] {
		case "-h", "--help":
			printChatHelp()
			return
		case "-u", "--url":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "Error: --url requires a value")
				os.Exit(1)
			}
			urlFlag = strings.TrimRight(args[i+1], "/")
			i += 2
		case "-m", "--model":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "Error: --model requires a value")
				os.Exit(1)
			}
			modelFlag = args[i+1]
			i += 2
		case "--no-stream":
			noStream = true
			i++
		default:
			if strings.HasPrefix(args[i], "-") {
				fmt.Fprintf(os.Stderr, "Error: unknown option: %s\n", args[i])
				os.Exit(1)
			}
			if prompt != "" {
				prompt += " "
			}
			prompt += args[i]
			i++
		}
	}

	if prompt == "" {
		// No prompt on the command line: read it from stdin.
		data, err := io.ReadAll(os.Stdin)
		if err != nil || len(bytes.TrimSpace(data)) == 0 {
			fmt.Fprintln(os.Stderr, "Error: no prompt given (pass as arguments or on stdin)")
			os.Exit(1)
		}
		prompt = string(bytes.TrimSpace(data))
	}

	body, _ := json.Marshal(map[string]any{
		"model":  modelFlag,
		"stream": !noStream,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	})

	client := &http.Client{Timeout: 10 * time.Minute}
	resp, err := client.Post(urlFlag+"/v1/chat/completions", "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: request failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "Error: HTTP %d: %s\n", resp.StatusCode, strings.TrimSpace(string(data)))
		os.Exit(1)
	}

	if noStream {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading response: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(gjson.GetBytes(data, "choices.0.message.content").String())
		printUsageLine(gjson.GetBytes(data, "usage"))
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}
		if errMsg := gjson.Get(payload, "error.message"); errMsg.Exists() {
			fmt.Fprintf(os.Stderr, "\nError: %s\n", errMsg.String())
			os.Exit(1)
		}
		fmt.Print(gjson.Get(payload, "choices.0.delta.content").String())
		if usage := gjson.Get(payload, "usage"); usage.Exists() {
			fmt.Println()
			printUsageLine(usage)
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "\nError: stream interrupted: %v\n", err)
		os.Exit(1)
	}
}

func printUsageLine(usage gjson.Result) {
	if !usage.Exists() {
		return
	}
	fmt.Fprintf(os.Stderr, "[%s tokens: %d prompt + %d completion = %d total]\n",
		usage.Get("accounting").String(),
		usage.Get("prompt_tokens").Int(),
		usage.Get("completion_tokens").Int(),
		usage.Get("total_tokens").Int())
}

func printChatHelp() {
	fmt.Print(`Usage: engine-gateway chat [options] [prompt...]

Sends one chat completion to a running gateway and prints the reply.
Reads the prompt from stdin when none is given on the command line.

Options:
  -u, --url <url>      Gateway base URL (default: http://localhost:8000)
  -m, --model <id>     Model id (default: gpt-5)
      --no-stream      Request an aggregated response instead of SSE
  -h, --help           Show this help
`)
}
