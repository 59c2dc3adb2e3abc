// Package replica builds Digital Replicas: schema-validated records that
// represent one physical entity each.
//
// A replica has an immutable id and type, a schema-described profile,
// lifecycle metadata and a mutable data section:
//
//	{
//	  "_id": "6f1c...", "type": "room",
//	  "profile":  {"room_number": "C001", "floor": -1, "name": "Cellar"},
//	  "metadata": {"created_at": "...", "updated_at": "...", "privacy_level": "private"},
//	  "data": {
//	    "status": "active", "properties": {}, "relations": {},
//	    "measurements": [{"measure_type": "temperature", "value": 13.5, "timestamp": "..."}]
//	  }
//	}
//
// Factory.Create is the only way new replicas come into being. It validates
// the raw input against the schema registry and applies defaults, and it
// never touches the record store. Document and FromDocument convert between
// the typed form and the stored form.
package replica
