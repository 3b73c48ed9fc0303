// Copyright 2023 Haze Labs, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

// Command haze is the client-side companion of hazed: it submits
// queries to an overlay process, pages published results, and
// inspects process metrics.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hazelabs/haze"
)

var (
	dashe    string
	dashteam string
	dashlim  int
	dasht    time.Duration
	dashv    bool
)

func init() {
	flag.StringVar(&dashe, "e", "http://127.0.0.1:50051", "endpoint of the process to contact")
	flag.StringVar(&dashteam, "team", "", "team the query is charged to (default: the process's own)")
	flag.IntVar(&dashlim, "limit", 100, "maximum records to return")
	flag.DurationVar(&dasht, "t", 10*time.Second, "request timeout")
	flag.BoolVar(&dashv, "v", false, "verbose: print uid, path, and timing to stderr")
}

func exitf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f, args...)
	os.Exit(1)
}

func logf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f+"\n", args...)
}

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "usage:\n")
		fmt.Fprintf(os.Stderr, "    %s [-e <endpoint>] query <field> <comparator> <threshold>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "        run a filter query and print the matching rows\n")
		fmt.Fprintf(os.Stderr, "    %s [-e <endpoint>] chunk <uid> <index>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "        fetch one chunk of a published result\n")
		fmt.Fprintf(os.Stderr, "    %s [-e <endpoint>] metrics\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "        print the process's metrics snapshot\n")
		fmt.Fprintf(os.Stderr, "    %s version\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "        print build version information\n")
		fmt.Fprintf(os.Stderr, "flag usage:\n")
		flag.Usage()
		os.Exit(1)
	}

	switch args[0] {
	case "query":
		if len(args) != 4 {
			exitf("usage: query <field> <comparator> <threshold>\n")
		}
		threshold, err := strconv.ParseFloat(args[3], 64)
		if err != nil {
			exitf("bad threshold %q: %s\n", args[3], err)
		}
		query(args[1], args[2], threshold)
	case "chunk":
		if len(args) != 3 {
			exitf("usage: chunk <uid> <index>\n")
		}
		index, err := strconv.Atoi(args[2])
		if err != nil {
			exitf("bad chunk index %q: %s\n", args[2], err)
		}
		chunk(args[1], index)
	case "metrics":
		if len(args) != 1 {
			exitf("usage: metrics\n")
		}
		metrics()
	case "version":
		v, ok := haze.Version()
		if !ok {
			exitf("version not available\n")
		}
		fmt.Println(v)
	default:
		exitf("commands: query, chunk, metrics, version\n")
	}
}
