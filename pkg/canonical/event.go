package canonical

// EventBody is the hashed portion of a ledger event: everything the producer
// supplied. The integrity chain hashes Encode(EventBody(...)). Absent ids
// encode as null.
func EventBody(eventType, entityType string, entityID, userID *string, payload Value) Value {
	return Map(map[string]Value{
		"event_type":  String(eventType),
		"entity_type": String(entityType),
		"entity_id":   optional(entityID),
		"user_id":     optional(userID),
		"payload":     payload,
	})
}

// EventLeaf is body plus the storage-assigned id. The Merkle leaf of an
// event hashes Encode(EventLeaf(...)).
func EventLeaf(body Value, id int64) Value {
	return body.With("id", Int(id))
}

func optional(s *string) Value {
	if s == nil {
		return Null()
	}
	return String(*s)
}
