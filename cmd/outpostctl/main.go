// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command outpostctl is a small harness over the env package for
// exercising a database from a shell: opening it, putting and getting
// individual keys, running a batch of puts read from a file, and
// printing environment/bucket statistics.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/outpostkv/outpost/env"
	"github.com/outpostkv/outpost/instr"
	"github.com/outpostkv/outpost/outpost"
)

var (
	dashdb  string
	dashv   bool
	dashmap int64
)

const mega = 1024 * 1024

func init() {
	flag.StringVar(&dashdb, "db", "", "database file path")
	flag.BoolVar(&dashv, "v", false, "verbose logging")
	flag.Int64Var(&dashmap, "mapsize", 1024*mega, "map size, in bytes")
}

func exitf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f+"\n", args...)
	os.Exit(1)
}

func openEnv() *env.Env {
	if dashdb == "" {
		exitf("missing -db")
	}
	var logger outpost.Logger
	if dashv {
		logger = log.New(os.Stderr, "outpostctl: ", log.LstdFlags)
	}
	e, err := env.Open(env.OptionsFromFlags(dashdb, dashmap, logger))
	if err != nil {
		exitf("open %s: %s", dashdb, err)
	}
	return e
}

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "usage:\n")
		fmt.Fprintf(os.Stderr, "    %s -db <path> put <bucket> <key> <value>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "    %s -db <path> get <bucket> <key>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "    %s -db <path> del <bucket> <key>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "    %s -db <path> batch <bucket> <puts.tsv>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "    %s -db <path> stat <bucket>\n", os.Args[0])
		os.Exit(1)
	}

	switch args[0] {
	case "put":
		cmdPut(args[1:])
	case "get":
		cmdGet(args[1:])
	case "del":
		cmdDel(args[1:])
	case "batch":
		cmdBatch(args[1:])
	case "stat":
		cmdStat(args[1:])
	default:
		exitf("unknown sub-command %q", args[0])
	}
}

func cmdPut(args []string) {
	if len(args) != 3 {
		exitf("put requires <bucket> <key> <value>")
	}
	e := openEnv()
	defer e.Close()
	dbi, err := e.OpenDBI(args[0])
	if err != nil {
		exitf("open dbi %s: %s", args[0], err)
	}
	if err := e.Put(dbi, []byte(args[1]), []byte(args[2]), 0); err != nil {
		exitf("put: %s", err)
	}
}

func cmdGet(args []string) {
	if len(args) != 2 {
		exitf("get requires <bucket> <key>")
	}
	e := openEnv()
	defer e.Close()
	dbi, err := e.OpenDBI(args[0])
	if err != nil {
		exitf("open dbi %s: %s", args[0], err)
	}
	v, err := e.Get(dbi, []byte(args[1]))
	if err != nil {
		exitf("get: %s", err)
	}
	os.Stdout.Write(v)
	fmt.Println()
}

func cmdDel(args []string) {
	if len(args) != 2 {
		exitf("del requires <bucket> <key>")
	}
	e := openEnv()
	defer e.Close()
	dbi, err := e.OpenDBI(args[0])
	if err != nil {
		exitf("open dbi %s: %s", args[0], err)
	}
	if err := e.Del(dbi, []byte(args[1])); err != nil {
		exitf("del: %s", err)
	}
}

// cmdBatch reads tab-separated "key\tvalue" lines from a file and
// submits them as a single instruction stream through the write
// worker, demonstrating the batched path instead of Put's
// one-instruction-per-transaction fast path.
func cmdBatch(args []string) {
	if len(args) != 2 {
		exitf("batch requires <bucket> <puts.tsv>")
	}
	e := openEnv()
	defer e.Close()
	dbi, err := e.OpenDBI(args[0])
	if err != nil {
		exitf("open dbi %s: %s", args[0], err)
	}

	f, err := os.Open(args[1])
	if err != nil {
		exitf("open %s: %s", args[1], err)
	}
	defer f.Close()

	b := instr.NewBuilder()
	count := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			exitf("malformed line %q: want key<TAB>value", line)
		}
		b.Put(uint32(dbi), []byte(parts[0]), []byte(parts[1]), 0)
		count++
	}
	if err := sc.Err(); err != nil {
		exitf("read %s: %s", args[1], err)
	}
	b.End()

	if err := e.Submit(b.Stream(), nil); err != nil {
		exitf("batch: %s", err)
	}
	fmt.Fprintf(os.Stderr, "wrote %d records\n", count)
}

func cmdStat(args []string) {
	if len(args) != 1 {
		exitf("stat requires <bucket>")
	}
	e := openEnv()
	defer e.Close()
	dbi, err := e.OpenDBI(args[0])
	if err != nil {
		exitf("open dbi %s: %s", args[0], err)
	}
	st, err := e.Stat(dbi)
	if err != nil {
		exitf("stat: %s", err)
	}
	info := e.Info()
	fmt.Printf("entries=%d depth=%d branchPages=%d leafPages=%d overflowPages=%d\n",
		st.EntryCount, st.TreeDepth, st.BranchPageCount, st.LeafPageCount, st.OverflowPages)
	fmt.Printf("mapSize=%s lastPageNo=%d readers=%d/%d\n",
		humanSize(info.MapSize), info.LastPageNo, info.NumReaders, info.MaxReaders)
}

func humanSize(n int64) string {
	if n < mega {
		return strconv.FormatInt(n, 10) + "B"
	}
	return strconv.FormatInt(n/mega, 10) + "MB"
}
