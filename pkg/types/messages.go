package types

// Client -> Server (websocket, /ws?lobby=CODE&user=ID)
// answer:
//   round_id: string
//   have: boolean
//
// advance (host only):
//   round_id: string
//
// start (host only): {}
//
// leave: {}

// Server -> Client
// event:
//   version: number
//   event: Event (see snapshot.go)
//
// result:
//   result: { command, ok, status?, reason?, round? }
//
// error:
//   error: string
