package model

// state:{session_id}                      // full SessionState, TTL in seconds
// worker:{type}:request                   // static request channel
// worker:{type}:response:{session_id}     // ephemeral response channel
// stream:{session_id}                     // progress notifications
// cancel:{session_id}                     // advisory cancel
// worker:health                           // heartbeats
