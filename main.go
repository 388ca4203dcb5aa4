package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/exerosis/KepaxosGo/arc"
	"github.com/exerosis/KepaxosGo/kepaxos"
)

// command types carried in the protocol's single opaque byte
const (
	cmdSet   = 0x00
	cmdDel   = 0x01
	cmdEvict = 0x02
)

var errNotCached = errors.New("not cached")

// cacheOps backs the cache. The harness keeps no store behind it, so a
// miss is final and demoted or destroyed values simply vanish.
type cacheOps struct{}

func (cacheOps) Fetch(key string) ([]byte, error) { return nil, errNotCached }
func (cacheOps) Evict(key string, value []byte)   {}
func (cacheOps) Destroy(key string, value []byte) {}

func main() {
	var nodes = flag.String("nodes", "node1=127.0.0.1:7701", "comma separated name=host:port mesh addresses for every replica, in index order")
	var api = flag.String("api", "node1=127.0.0.1:8701", "comma separated name=host:port client API addresses for every replica")
	var name = flag.String("name", "node1", "this replica's name")
	var db = flag.String("db", "kepaxos.db", "path to the commit log")
	var timeout = flag.Duration("timeout", 0, "agreement timeout, 0 means 30s")
	var capacity = flag.Int("cache", 64<<20, "cache capacity in bytes")
	flag.Parse()

	if reason := run(*nodes, *api, *name, *db, *timeout, *capacity); reason != nil {
		log.Fatal(reason)
	}
}

func parseAddresses(spec string) ([]string, map[string]string, error) {
	var names []string
	var addresses = make(map[string]string)
	for _, pair := range strings.Split(spec, ",") {
		name, address, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found {
			return nil, nil, fmt.Errorf("bad node spec %q", pair)
		}
		names = append(names, name)
		addresses[name] = address
	}
	return names, addresses, nil
}

func run(nodes, api, name, db string, timeout time.Duration, capacity int) error {
	names, meshAddresses, reason := parseAddresses(nodes)
	if reason != nil {
		return reason
	}
	_, apiAddresses, reason := parseAddresses(api)
	if reason != nil {
		return reason
	}
	var index = -1
	for i, peer := range names {
		if peer == name {
			index = i
		}
	}
	if index < 0 {
		return fmt.Errorf("%s is not in the node list", name)
	}

	var cache = arc.New(cacheOps{}, capacity)
	defer cache.Close()
	mesh, reason := kepaxos.ListenMesh(name, meshAddresses)
	if reason != nil {
		return reason
	}

	// the recoverer is created after the replica; the callback reads it
	// through a guarded slot since commands can expire in the meantime
	var recovery struct {
		sync.Mutex
		worker *kepaxos.Recoverer
	}
	replica, reason := kepaxos.MakeReplica(kepaxos.Config{
		DBFile:  db,
		Peers:   names,
		Index:   index,
		Timeout: timeout,
	}, kepaxos.Callbacks{
		Send: mesh.Send,
		Commit: func(ctype uint8, key, data []byte, leader bool) error {
			switch ctype {
			case cmdSet:
				cache.Put(string(key), data)
			case cmdDel, cmdEvict:
				// with no backing store behind the harness both drop
				// the cached copy
				cache.Remove(string(key))
			default:
				return fmt.Errorf("unknown command type %#02x", ctype)
			}
			return nil
		},
		Recover: func(peer string, key []byte, seq, ballot uint64) error {
			recovery.Lock()
			var worker = recovery.worker
			recovery.Unlock()
			if worker == nil {
				return nil
			}
			return worker.Recover(peer, key, seq, ballot)
		},
	})
	if reason != nil {
		return reason
	}
	mesh.Attach(replica)
	var recoverer = kepaxos.MakeRecoverer(replica, fetchOver(apiAddresses))
	recovery.Lock()
	recovery.worker = recoverer
	recovery.Unlock()
	defer recoverer.Close()
	defer replica.Close()
	defer mesh.Close()

	var handler = &server{name: name, replica: replica, cache: cache}
	log.Printf("%s: mesh on %s, client API on %s", name, meshAddresses[name], apiAddresses[name])
	return http.ListenAndServe(apiAddresses[name], handler.router())
}

// fetchOver pulls a lagging key's committed pair from the peer's client
// API, the same side channel the diff endpoint serves catch-ups on.
func fetchOver(api map[string]string) kepaxos.Fetch {
	var client = &http.Client{Timeout: 2 * time.Second}
	return func(job kepaxos.RecoveryJob) (uint64, uint64, error) {
		address, known := api[job.Peer]
		if !known {
			return 0, 0, fmt.Errorf("no API address for %s", job.Peer)
		}
		response, reason := client.Get(fmt.Sprintf("http://%s/log/%s", address, url.PathEscape(string(job.Key))))
		if reason != nil {
			return 0, 0, reason
		}
		defer response.Body.Close()
		if response.StatusCode != http.StatusOK {
			return 0, 0, fmt.Errorf("%s answered %s", job.Peer, response.Status)
		}
		var pair struct {
			Ballot uint64 `json:"ballot"`
			Seq    uint64 `json:"seq"`
		}
		if reason := json.NewDecoder(response.Body).Decode(&pair); reason != nil {
			return 0, 0, reason
		}
		return pair.Ballot, pair.Seq, nil
	}
}
