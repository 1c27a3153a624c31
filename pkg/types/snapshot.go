package types

// Event:
//   type: "lobby_state" | "round_started" | "answer_count" | "game_over"
//   lobby_id: string
//   lobby: { id, host_id, status, language, max_rounds, current_round, tone, allow_nsfw, members[] } // lobby_state
//   round: { id, number, prompt, tone, intensity, status, eligible_count, have_count, have_not_count, fallback_used } // round_started
//   answered: number  // answer_count
//   connected: number // answer_count
//   reason: "max_rounds" | "abandoned" // game_over
//
// A client joining late first receives the latest lobby_state and the
// current round_started (or game_over) event.
