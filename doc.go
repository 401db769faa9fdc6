// Package callsig establishes, negotiates, monitors and tears down
// two-party audio/video calls between users of a messaging application.
//
// Control messages travel only through an asynchronous relay; media flows
// peer to peer over WebRTC. Each local user runs one [Client], which owns at
// most one call at a time and rejects a second incoming call as busy.
//
// # Getting Started
//
//	opts := callsig.NewOptions()
//	opts.UserID = "alice"
//	opts.StoreDriver = callsig.StoreSQLite
//	opts.StoreDSN = "calls.db"
//	opts.RedisAddr = "localhost:6379"
//
//	client, err := callsig.New(ctx, opts, callsig.Backend{Media: provider})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	go func() {
//	    for ev := range client.Events() {
//	        switch e := ev.(type) {
//	        case engine.IncomingCall:
//	            client.Answer(ctx)
//	        case engine.CallEnded:
//	            fmt.Println("call ended:", e.Status)
//	        }
//	    }
//	}()
//
//	session, err := client.Call(ctx, conversationID, "bob", call.TypeVideo)
//
// # Packages
//
//   - [github.com/opd-ai/callsig/call]: session record and status rules
//   - [github.com/opd-ai/callsig/signal]: call signals and their payloads
//   - [github.com/opd-ai/callsig/ice]: pre-answer candidate queue
//   - [github.com/opd-ai/callsig/media]: tiered media acquisition
//   - [github.com/opd-ai/callsig/negotiation]: SDP and ICE negotiation over pion/webrtc
//   - [github.com/opd-ai/callsig/quality]: connection quality sampling
//   - [github.com/opd-ai/callsig/relay]: signal relay (in-process and Redis)
//   - [github.com/opd-ai/callsig/store]: session and signal persistence (memory, SQLite, Postgres)
//   - [github.com/opd-ai/callsig/engine]: the call state machine and cleanup
//
// # Lifecycle
//
// A call moves through pending, ringing and connected to one of the
// terminal statuses ended, missed, declined or busy. A call that does not
// connect within [Options.ConnectTimeout] of its offer becomes missed. Ending
// a call that never connected also records it as missed.
package callsig
