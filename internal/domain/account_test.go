package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisplayMetadata_Merge(t *testing.T) {
	tests := []struct {
		name        string
		current     DisplayMetadata
		update      DisplayMetadata
		want        DisplayMetadata
		wantChanged bool
	}{
		{
			name:        "empty update changes nothing",
			current:     DisplayMetadata{Name: "Olena", Handle: "olena"},
			update:      DisplayMetadata{},
			want:        DisplayMetadata{Name: "Olena", Handle: "olena"},
			wantChanged: false,
		},
		{
			name:        "same values are not a change",
			current:     DisplayMetadata{Name: "Olena"},
			update:      DisplayMetadata{Name: "Olena"},
			want:        DisplayMetadata{Name: "Olena"},
			wantChanged: false,
		},
		{
			name:        "handle added",
			current:     DisplayMetadata{Name: "Olena"},
			update:      DisplayMetadata{Handle: "olena_fx"},
			want:        DisplayMetadata{Name: "Olena", Handle: "olena_fx"},
			wantChanged: true,
		},
		{
			name:        "name replaced",
			current:     DisplayMetadata{Name: "Old"},
			update:      DisplayMetadata{Name: "New"},
			want:        DisplayMetadata{Name: "New"},
			wantChanged: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := tt.current.Merge(tt.update)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantChanged, changed)
		})
	}
}

func TestSource_Valid(t *testing.T) {
	assert.True(t, SourceRailA.Valid())
	assert.True(t, SourceRailB.Valid())
	assert.True(t, SourceConsumption.Valid())
	assert.True(t, SourceAdmin.Valid())
	assert.False(t, Source("stripe").Valid())
}

func TestAccount_Balanced(t *testing.T) {
	a := &Account{Balance: 3, TotalCredited: 5, TotalDebited: 2}
	assert.True(t, a.Balanced())

	a.Balance = 4
	assert.False(t, a.Balanced())
}
