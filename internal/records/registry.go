package records

import "github.com/and161185/careshield/internal/crypto/fieldcrypt"

// EntityPlacement is the field registry entity type of placement records.
const EntityPlacement = "placement_info"

// DefaultFields declares the sensitive fields of placement records and of the
// documents nested in them.
func DefaultFields() map[string]fieldcrypt.EntitySpec {
	return map[string]fieldcrypt.EntitySpec{
		EntityPlacement: {
			Fields: []string{"diagnosis", "medicalHistory", "allergies", "insuranceNumber"},
			Nested: map[string]string{
				"address":     "address",
				"specialists": "specialist",
				"medications": "medication",
			},
		},
		"address":    {Fields: []string{"street", "city", "postalCode", "phone"}},
		"specialist": {Fields: []string{"phone", "email", "notes"}},
		"medication": {Fields: []string{"name", "dosage", "notes"}},
	}
}

// DefaultRegistry builds the registry from DefaultFields.
func DefaultRegistry() *fieldcrypt.Registry {
	reg, err := fieldcrypt.NewRegistry(DefaultFields())
	if err != nil {
		panic(err)
	}
	return reg
}
