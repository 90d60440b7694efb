package crypto

// EncryptFields encrypts the named string fields of record in place,
// returning a new map. Non-string and nil values pass through unchanged.
func (s *Service) EncryptFields(record map[string]any, fields []string, userSalt string) (map[string]any, error) {
	out := make(map[string]any, len(record))
	for k, v := range record {
		out[k] = v
	}
	for _, name := range fields {
		v, ok := record[name]
		if !ok {
			continue
		}
		str, ok := v.(string)
		if !ok {
			continue
		}
		enc, err := s.Encrypt(str, userSalt)
		if err != nil {
			return nil, err
		}
		out[name] = enc
	}
	return out, nil
}

// DecryptFields is the inverse of EncryptFields over the same field set.
func (s *Service) DecryptFields(record map[string]any, fields []string, userSalt string) (map[string]any, error) {
	out := make(map[string]any, len(record))
	for k, v := range record {
		out[k] = v
	}
	for _, name := range fields {
		v, ok := record[name]
		if !ok {
			continue
		}
		str, ok := v.(string)
		if !ok {
			continue
		}
		dec, err := s.Decrypt(str, userSalt)
		if err != nil {
			return nil, err
		}
		out[name] = dec
	}
	return out, nil
}
