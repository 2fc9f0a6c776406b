package schema

// Bookkeeping fields present on every remote record.
const (
	FieldID           = "id"
	FieldDateEntered  = "date_entered"
	FieldDateModified = "date_modified"
	FieldDeleted      = "deleted"
)

// ChangeFields is the select list used when listing changed records.
var ChangeFields = []string{FieldID, FieldDateEntered, FieldDateModified, FieldDeleted}

// Tombstone returns the field set that marks a remote record as removed.
func Tombstone() Fields {
	return Fields{FieldDeleted: "1"}
}

var contactFields = []string{"first_name", "last_name", "email1"}

// DefaultSchemas returns the built-in entity types.
func DefaultSchemas() []Schema {
	return []Schema{
		{EntityType: "Contacts", RequiredFields: contactFields, LocalKind: KindContact, Codec: contactCodec{}},
		{EntityType: "Leads", RequiredFields: contactFields, LocalKind: KindContact, Codec: contactCodec{}},
		{
			EntityType:     "Tasks",
			RequiredFields: []string{"name", "description", "date_due_flag", "date_due", "date_start_flag", "date_start"},
			LocalKind:      KindTask,
			Codec:          taskCodec{},
		},
		{
			EntityType:      "Cases",
			RequiredFields:  []string{"name", "description", "case_number", "date_due", "date_start_flag", "date_start"},
			LocalKind:       KindCase,
			Codec:           caseCodec{},
			RefreshOnCreate: true,
		},
	}
}

// Default returns a registry holding DefaultSchemas.
func Default() *Registry {
	return MustRegistry(DefaultSchemas()...)
}
